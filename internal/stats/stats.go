// Package stats keeps per-thread network statistics. Each network thread owns
// one Counters value and is its only writer; readers take snapshots at any
// time without locking the hot path.
package stats

import "sync/atomic"

// Snapshot is a point-in-time copy of one thread's statistics, or the sum of
// several.
type Snapshot struct {
	// MemUsed is the memory held by network input and output buffers.
	MemUsed uint64
	// Connections is the number of open connections.
	Connections uint64
	// Streams is the number of live streams.
	Streams uint64
	// Requests counts requests framed but not yet completed.
	Requests uint64
	// RequestsInProgress counts requests running in an execution context.
	RequestsInProgress uint64
	// RequestsInStreamQueue counts requests queued behind an earlier request
	// of the same stream.
	RequestsInStreamQueue uint64
	// Totals holds cumulative counters cleared by a reset.
	Totals Totals
}

// Totals are cumulative counters since start or the last reset.
type Totals struct {
	Sent                  uint64
	Received              uint64
	Connections           uint64
	Streams               uint64
	Requests              uint64
	RequestsInProgress    uint64
	RequestsInStreamQueue uint64
}

// Add returns the element-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		MemUsed:               s.MemUsed + o.MemUsed,
		Connections:           s.Connections + o.Connections,
		Streams:               s.Streams + o.Streams,
		Requests:              s.Requests + o.Requests,
		RequestsInProgress:    s.RequestsInProgress + o.RequestsInProgress,
		RequestsInStreamQueue: s.RequestsInStreamQueue + o.RequestsInStreamQueue,
		Totals: Totals{
			Sent:                  s.Totals.Sent + o.Totals.Sent,
			Received:              s.Totals.Received + o.Totals.Received,
			Connections:           s.Totals.Connections + o.Totals.Connections,
			Streams:               s.Totals.Streams + o.Totals.Streams,
			Requests:              s.Totals.Requests + o.Totals.Requests,
			RequestsInProgress:    s.Totals.RequestsInProgress + o.Totals.RequestsInProgress,
			RequestsInStreamQueue: s.Totals.RequestsInStreamQueue + o.Totals.RequestsInStreamQueue,
		},
	}
}

// Sum adds up snapshots.
func Sum(snaps ...Snapshot) Snapshot {
	var total Snapshot
	for _, s := range snaps {
		total = total.Add(s)
	}
	return total
}

// Counters are the live statistics of one network thread.
type Counters struct {
	memUsed               atomic.Int64
	connections           atomic.Int64
	streams               atomic.Int64
	requests              atomic.Int64
	requestsInProgress    atomic.Int64
	requestsInStreamQueue atomic.Int64

	rmean *Rmean
}

// NewCounters builds zeroed counters with their rolling means.
func NewCounters() *Counters {
	return &Counters{rmean: NewRmean(Names...)}
}

// Rmean exposes the rolling means backing the cumulative totals.
func (c *Counters) Rmean() *Rmean {
	return c.rmean
}

// AddMem adjusts the buffer memory gauge by delta bytes.
func (c *Counters) AddMem(delta int) {
	if delta != 0 {
		c.memUsed.Add(int64(delta))
	}
}

// ConnOpened records an accepted connection.
func (c *Counters) ConnOpened() {
	c.connections.Add(1)
	c.rmean.Collect(NameConnections, 1)
}

// ConnClosed records a closed connection.
func (c *Counters) ConnClosed() {
	c.connections.Add(-1)
}

// StreamOpened records a created stream.
func (c *Counters) StreamOpened() {
	c.streams.Add(1)
	c.rmean.Collect(NameStreams, 1)
}

// StreamClosed records a destroyed stream.
func (c *Counters) StreamClosed() {
	c.streams.Add(-1)
}

// RequestFramed records a request that entered the pipeline.
func (c *Counters) RequestFramed() {
	c.requests.Add(1)
	c.rmean.Collect(NameRequests, 1)
}

// RequestDone records a request leaving the pipeline, dispatched or dropped.
func (c *Counters) RequestDone() {
	c.requests.Add(-1)
}

// ProcessingStarted records a request entering an execution context.
func (c *Counters) ProcessingStarted() {
	c.requestsInProgress.Add(1)
	c.rmean.Collect(NameRequestsInProgress, 1)
}

// ProcessingFinished records a request leaving its execution context.
func (c *Counters) ProcessingFinished() {
	c.requestsInProgress.Add(-1)
}

// StreamQueued records a request parked behind its stream's running request.
func (c *Counters) StreamQueued() {
	c.requestsInStreamQueue.Add(1)
	c.rmean.Collect(NameRequestsInStreamQueue, 1)
}

// StreamUnqueued records a parked request reaching the head of its stream.
func (c *Counters) StreamUnqueued(n int) {
	if n != 0 {
		c.requestsInStreamQueue.Add(-int64(n))
	}
}

// Received records bytes read from sockets.
func (c *Counters) Received(n int) {
	c.rmean.Collect(NameReceived, int64(n))
}

// Sent records bytes written to sockets.
func (c *Counters) Sent(n int) {
	c.rmean.Collect(NameSent, int64(n))
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		MemUsed:               clampUint(c.memUsed.Load()),
		Connections:           clampUint(c.connections.Load()),
		Streams:               clampUint(c.streams.Load()),
		Requests:              clampUint(c.requests.Load()),
		RequestsInProgress:    clampUint(c.requestsInProgress.Load()),
		RequestsInStreamQueue: clampUint(c.requestsInStreamQueue.Load()),
		Totals: Totals{
			Sent:                  clampUint(c.rmean.Total(NameSent)),
			Received:              clampUint(c.rmean.Total(NameReceived)),
			Connections:           clampUint(c.rmean.Total(NameConnections)),
			Streams:               clampUint(c.rmean.Total(NameStreams)),
			Requests:              clampUint(c.rmean.Total(NameRequests)),
			RequestsInProgress:    clampUint(c.rmean.Total(NameRequestsInProgress)),
			RequestsInStreamQueue: clampUint(c.rmean.Total(NameRequestsInStreamQueue)),
		},
	}
}

// Reset clears cumulative totals and rolling means. Gauges reflect live
// state and are kept.
func (c *Counters) Reset() {
	c.rmean.Reset()
}

func clampUint(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
