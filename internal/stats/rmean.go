package stats

import (
	"sync"
	"sync/atomic"
)

// Rolling mean names, in reporting order.
const (
	NameSent                  = "SENT"
	NameReceived              = "RECEIVED"
	NameConnections           = "CONNECTIONS"
	NameStreams               = "STREAMS"
	NameRequests              = "REQUESTS"
	NameRequestsInProgress    = "REQUESTS_IN_PROGRESS"
	NameRequestsInStreamQueue = "REQUESTS_IN_STREAM_QUEUE"
)

// Names lists every rolling mean kept per thread.
var Names = []string{
	NameSent,
	NameReceived,
	NameConnections,
	NameStreams,
	NameRequests,
	NameRequestsInProgress,
	NameRequestsInStreamQueue,
}

// Window is the number of one-second slots averaged by a rolling mean.
const Window = 5

type rmeanSeries struct {
	current atomic.Int64
	total   atomic.Int64
	slots   [Window]int64
}

// Rmean tracks per-second rates averaged over Window seconds plus a running
// total for a fixed set of names. Collect is lock-free; Tick, Mean and Reset
// serialize on a mutex.
type Rmean struct {
	names  []string
	index  map[string]int
	series []rmeanSeries

	mu  sync.Mutex
	pos int
}

// NewRmean builds a rolling mean for names.
func NewRmean(names ...string) *Rmean {
	r := &Rmean{
		names:  append([]string(nil), names...),
		index:  make(map[string]int, len(names)),
		series: make([]rmeanSeries, len(names)),
	}
	for i, name := range names {
		r.index[name] = i
	}
	return r
}

// Collect adds value to name in the current second.
func (r *Rmean) Collect(name string, value int64) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	r.series[i].current.Add(value)
	r.series[i].total.Add(value)
}

// Tick closes the current second. It is driven by a once-per-second timer.
func (r *Rmean) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.series {
		r.series[i].slots[r.pos] = r.series[i].current.Swap(0)
	}
	r.pos = (r.pos + 1) % Window
}

// Mean returns the per-second average over the last Window seconds.
func (r *Rmean) Mean(name string) int64 {
	i, ok := r.index[name]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, v := range r.series[i].slots {
		sum += v
	}
	return sum / Window
}

// Total returns the cumulative value of name.
func (r *Rmean) Total(name string) int64 {
	i, ok := r.index[name]
	if !ok {
		return 0
	}
	return r.series[i].total.Load()
}

// Reset zeroes totals, the current second and every slot.
func (r *Rmean) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.series {
		r.series[i].current.Store(0)
		r.series[i].total.Store(0)
		r.series[i].slots = [Window]int64{}
	}
}

// ForeachFunc receives one rolling mean. Returning an error stops iteration.
type ForeachFunc func(name string, rps, total int64) error

// Foreach reports every name in order.
func (r *Rmean) Foreach(cb ForeachFunc) error {
	for _, name := range r.names {
		if err := cb(name, r.Mean(name), r.Total(name)); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the tracked names in order.
func (r *Rmean) Names() []string {
	return append([]string(nil), r.names...)
}

// Merge sums several rolling means name by name into cb, in the order of the
// first one.
func Merge(rmeans []*Rmean, cb ForeachFunc) error {
	if len(rmeans) == 0 {
		return nil
	}
	for _, name := range rmeans[0].names {
		var rps, total int64
		for _, r := range rmeans {
			rps += r.Mean(name)
			total += r.Total(name)
		}
		if err := cb(name, rps, total); err != nil {
			return err
		}
	}
	return nil
}
