// Package handler maps request types to pluggable callbacks.
//
// Lookups read an immutable map through an atomic pointer and never block;
// overrides clone the map under a mutex and publish the copy.
package handler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/iprotod/internal/wire"
	"pkt.systems/pslog"
)

// ErrFallback may be returned by an overriding callback to hand the request
// to the built-in handler for its type.
var ErrFallback = errors.New("handler: fallback to built-in")

// Request is the decoded request handed to a callback.
type Request struct {
	Type     uint32
	Sync     uint64
	StreamID uint64
	Schema   uint64
	Header   []byte
	Body     []byte
	ConnID   string
}

// Sink delivers responses to the connection that sent the request. Writes are
// appended to the connection output buffer and flushed asynchronously.
type Sink interface {
	// Reply sends a successful response with an encoded body map (may be nil).
	Reply(body []byte) error
	// Send sends a raw packet built from an encoded header and body map.
	Send(header, body []byte) error
}

// Func executes one request. hctx is the opaque context registered with it.
type Func func(ctx context.Context, req Request, out Sink, hctx any) error

// DestroyFunc releases a handler context when the entry is replaced or the
// registry is closed.
type DestroyFunc func(hctx any)

// Entry is one registered handler. The registry holds one reference and
// every running callback holds another; Destroy runs once the entry is
// removed and the last callback returned.
type Entry struct {
	Type     uint32
	Callback Func
	Destroy  DestroyFunc
	Context  any

	refs atomic.Int64
}

func newEntry(reqType uint32, cb Func, destroy DestroyFunc, hctx any) *Entry {
	e := &Entry{Type: reqType, Callback: cb, Destroy: destroy, Context: hctx}
	e.refs.Store(1)
	return e
}

// acquire fails once the entry has been released for good.
func (e *Entry) acquire() bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *Entry) release() {
	if e.refs.Add(-1) == 0 && e.Destroy != nil {
		e.Destroy(e.Context)
	}
}

// Registry holds overridden handlers on top of immutable built-in defaults.
type Registry struct {
	logger   pslog.Logger
	defaults map[uint32]Func

	mu      sync.Mutex
	entries atomic.Pointer[map[uint32]*Entry]
}

// NewRegistry builds a registry with the given built-in handlers.
func NewRegistry(defaults map[uint32]Func, logger pslog.Logger) *Registry {
	d := make(map[uint32]Func, len(defaults))
	for k, v := range defaults {
		if v != nil {
			d[k] = v
		}
	}
	r := &Registry{
		logger:   svcfields.WithSubsystem(logger, "tx.handler.registry"),
		defaults: d,
	}
	empty := map[uint32]*Entry{}
	r.entries.Store(&empty)
	return r
}

// Override installs cb for reqType, destroying the previous entry. A nil cb
// removes the override so the built-in default, if any, applies again.
func (r *Registry) Override(reqType uint32, cb Func, destroy DestroyFunc, hctx any) error {
	if reqType&wire.TypeError != 0 {
		return ierr.Config("request type 0x%x has the error bit set", reqType)
	}
	if cb == nil && (destroy != nil || hctx != nil) {
		return ierr.Config("reset of request type %d must not carry a destructor or context", reqType)
	}
	r.mu.Lock()
	current := *r.entries.Load()
	next := make(map[uint32]*Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	prev := next[reqType]
	if cb == nil {
		delete(next, reqType)
	} else {
		next[reqType] = newEntry(reqType, cb, destroy, hctx)
	}
	r.entries.Store(&next)
	r.mu.Unlock()

	if prev != nil {
		prev.release()
	}
	if cb == nil {
		r.logger.Info("iproto.handler.reset", "type", reqType)
	} else {
		r.logger.Info("iproto.handler.override", "type", reqType, "replaced", prev != nil)
	}
	return nil
}

// Lookup returns the override for reqType, if any.
func (r *Registry) Lookup(reqType uint32) (*Entry, bool) {
	e, ok := (*r.entries.Load())[reqType]
	return e, ok
}

// Default returns the built-in handler for reqType, if any.
func (r *Registry) Default(reqType uint32) (Func, bool) {
	fn, ok := r.defaults[reqType]
	return fn, ok
}

// Len returns the number of overrides.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// Call runs the handler for req: the override first, falling back to the
// built-in when the override returns ErrFallback. It fails with an
// unsupported-request error when nothing handles the type. The entry is
// pinned while its callback runs.
func (r *Registry) Call(ctx context.Context, req Request, out Sink) error {
	if e := r.pin(req.Type); e != nil {
		err := e.Callback(ctx, req, out, e.Context)
		e.release()
		if !errors.Is(err, ErrFallback) {
			return err
		}
	}
	if fn, ok := r.defaults[req.Type]; ok {
		return fn(ctx, req, out, nil)
	}
	return ierr.Unsupported(wire.ErrCodeUnknownRequestType, req.Type)
}

// pin returns the current override for reqType with a reference taken, or
// nil. An entry released between the map load and the pin is retried
// against the newer map.
func (r *Registry) pin(reqType uint32) *Entry {
	for {
		e, ok := r.Lookup(reqType)
		if !ok {
			return nil
		}
		if e.acquire() {
			return e
		}
	}
}

// Close removes every override. Each destructor runs exactly once, after
// callbacks still using the entry return.
func (r *Registry) Close() {
	r.mu.Lock()
	current := *r.entries.Load()
	empty := map[uint32]*Entry{}
	r.entries.Store(&empty)
	r.mu.Unlock()
	for _, e := range current {
		e.release()
	}
}
