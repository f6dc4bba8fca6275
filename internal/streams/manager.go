// Package streams orders requests of one connection by stream id.
//
// Requests sharing a non-zero stream id run one at a time in arrival order.
// Stream id 0 requests get a throwaway singleton stream each and never wait
// for one another. A Manager belongs to one connection and is driven from its
// network thread only, so it has no locking.
package streams

import (
	"pkt.systems/iprotod/internal/stats"
	"pkt.systems/iprotod/internal/wire"
)

// State is the lifecycle position of a request.
type State int

const (
	// StateQueued means the request waits for its stream or for capacity.
	StateQueued State = iota
	// StateDispatched means the request was handed to an execution context.
	StateDispatched
	// StateProcessing means its handler is running.
	StateProcessing
	// StateCompleted means the handler succeeded.
	StateCompleted
	// StateFailed means the handler or lookup failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is a framed packet travelling through its stream.
type Request struct {
	wire.Packet
	State State

	stream        *Stream
	inStreamQueue bool
}

// Stream is an ordered queue with at most one running request.
type Stream struct {
	ID uint64

	queue     []*Request
	running   *Request
	singleton bool
	starved   bool
}

// Len returns the number of requests waiting on the stream.
func (s *Stream) Len() int {
	return len(s.queue)
}

// Executing reports whether a request of the stream is dispatched.
func (s *Stream) Executing() bool {
	return s.running != nil
}

// DispatchFunc hands a request to an execution context. It returns false when
// no context is available; the request then stays at the head of its stream.
type DispatchFunc func(*Request) bool

// Manager owns the streams of one connection.
type Manager struct {
	dispatch DispatchFunc
	counters *stats.Counters

	streams map[uint64]*Stream
	starved []*Stream
	closed  bool
}

// NewManager builds a manager. counters may be shared by every connection of
// the same thread.
func NewManager(counters *stats.Counters, dispatch DispatchFunc) *Manager {
	if counters == nil {
		counters = stats.NewCounters()
	}
	return &Manager{
		dispatch: dispatch,
		counters: counters,
		streams:  make(map[uint64]*Stream),
	}
}

// Enqueue appends req to its stream and dispatches it right away when the
// stream is idle and capacity allows.
func (m *Manager) Enqueue(req *Request) {
	req.State = StateQueued
	if m.closed {
		return
	}
	var s *Stream
	if req.StreamID == 0 {
		s = &Stream{singleton: true}
	} else {
		s = m.streams[req.StreamID]
		if s == nil {
			s = &Stream{ID: req.StreamID}
			m.streams[req.StreamID] = s
			m.counters.StreamOpened()
		}
	}
	req.stream = s
	if s.running != nil || len(s.queue) > 0 {
		req.inStreamQueue = true
		m.counters.StreamQueued()
	}
	s.queue = append(s.queue, req)
	m.tryDispatch(s)
}

// Complete marks req done and moves its stream forward. A stream whose queue
// is empty is destroyed when it is a singleton, when req ends it (commit or
// rollback) or when the connection is closing.
func (m *Manager) Complete(req *Request) {
	s := req.stream
	if s == nil || s.running != req {
		return
	}
	s.running = nil
	if len(s.queue) > 0 && !m.closed {
		m.tryDispatch(s)
		return
	}
	if s.singleton {
		return
	}
	if m.closed || wire.IsTerminal(req.Type) {
		m.destroy(s)
	}
}

// Retry re-attempts every stream head refused for lack of capacity, oldest
// first, and stops at the first refusal. It returns how many were dispatched.
func (m *Manager) Retry() int {
	if len(m.starved) == 0 {
		return 0
	}
	pending := m.starved
	m.starved = nil
	for _, s := range pending {
		s.starved = false
	}
	dispatched := 0
	for i, s := range pending {
		if s.running != nil || len(s.queue) == 0 {
			continue
		}
		if !m.tryDispatch(s) {
			for _, rest := range pending[i+1:] {
				if rest.starved || rest.running != nil || len(rest.queue) == 0 {
					continue
				}
				rest.starved = true
				m.starved = append(m.starved, rest)
			}
			break
		}
		dispatched++
	}
	return dispatched
}

// Starved returns how many stream heads wait for capacity.
func (m *Manager) Starved() int {
	return len(m.starved)
}

// Streams returns the number of live multiplexed streams.
func (m *Manager) Streams() int {
	return len(m.streams)
}

// Running returns how many requests of this connection are dispatched.
func (m *Manager) Running() int {
	n := 0
	for _, s := range m.streams {
		if s.running != nil {
			n++
		}
	}
	return n
}

// Close drops every undispatched request and returns them. Dispatched
// requests complete normally; their streams are destroyed on completion.
func (m *Manager) Close() []*Request {
	if m.closed {
		return nil
	}
	m.closed = true
	var dropped []*Request
	drop := func(s *Stream) {
		for _, req := range s.queue {
			if req.inStreamQueue {
				req.inStreamQueue = false
				m.counters.StreamUnqueued(1)
			}
			dropped = append(dropped, req)
		}
		s.queue = nil
	}
	for _, s := range m.starved {
		if s.singleton {
			drop(s)
		}
		s.starved = false
	}
	m.starved = nil
	for _, s := range m.streams {
		drop(s)
		if s.running == nil {
			m.destroy(s)
		}
	}
	return dropped
}

func (m *Manager) tryDispatch(s *Stream) bool {
	if s.running != nil || len(s.queue) == 0 {
		return true
	}
	req := s.queue[0]
	if !m.dispatch(req) {
		if !s.starved {
			s.starved = true
			m.starved = append(m.starved, s)
		}
		return false
	}
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	s.running = req
	if req.State == StateQueued {
		req.State = StateDispatched
	}
	if req.inStreamQueue {
		req.inStreamQueue = false
		m.counters.StreamUnqueued(1)
	}
	return true
}

func (m *Manager) destroy(s *Stream) {
	if s.singleton {
		return
	}
	if cur, ok := m.streams[s.ID]; ok && cur == s {
		delete(m.streams, s.ID)
		m.counters.StreamClosed()
	}
}
