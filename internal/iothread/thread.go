// Package iothread runs the network threads. Each thread is one event loop
// goroutine owning a set of connections: it frames their input, feeds the
// stream managers, dispatches requests into the shared execution pool and
// queues replies for the socket writers.
package iothread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/iprotod/internal/connguard"
	"pkt.systems/iprotod/internal/correlation"
	"pkt.systems/iprotod/internal/handler"
	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/stats"
	"pkt.systems/iprotod/internal/streams"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/iprotod/internal/txpool"
	"pkt.systems/iprotod/internal/wire"
	"pkt.systems/pslog"
)

// DefaultReadahead is the default per-connection input limit in bytes.
const DefaultReadahead = 16320

// MinReadahead is the smallest accepted readahead.
const MinReadahead = 128

const eventQueueSize = 1024

var (
	// ErrConnNotFound is returned by Send for an unknown connection id.
	ErrConnNotFound = errors.New("iothread: connection not found")
	// ErrStopped is returned once the thread stopped.
	ErrStopped = errors.New("iothread: thread stopped")
)

// Config wires a thread to the shared server state.
type Config struct {
	ID       int
	Pool     *txpool.Pool
	Registry *handler.Registry
	// Readahead returns the current readahead; nil means DefaultReadahead.
	Readahead func() int
	// Greeting returns the bytes written on accept; nil writes nothing.
	Greeting func() []byte
	Guard    *connguard.Guard
	Logger   pslog.Logger
}

// Thread is one network thread.
type Thread struct {
	id        int
	pool      *txpool.Pool
	registry  *handler.Registry
	readahead func() int
	greeting  func() []byte
	guard     *connguard.Guard
	logger    pslog.Logger
	tracer    trace.Tracer
	counters  *stats.Counters
	waker     *txpool.Waker

	events chan event
	conns  map[*Conn]struct{}
	index  sync.Map // conn id -> *Conn

	// pending counts requests framed and not yet completed or dropped.
	pending   int
	throttled bool

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	started       atomic.Bool
	draining      bool
	stopOnce      sync.Once
	stopped       chan struct{}
	done          chan struct{}
}

// New builds a stopped thread.
func New(cfg Config) (*Thread, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("iothread: pool required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("iothread: registry required")
	}
	readahead := cfg.Readahead
	if readahead == nil {
		readahead = func() int { return DefaultReadahead }
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := svcfields.WithSubsystem(cfg.Logger, "net.thread").With("thread", cfg.ID)
	return &Thread{
		id:            cfg.ID,
		pool:          cfg.Pool,
		registry:      cfg.Registry,
		readahead:     readahead,
		greeting:      cfg.Greeting,
		guard:         cfg.Guard,
		logger:        logger,
		tracer:        otel.Tracer("pkt.systems/iprotod/iothread"),
		counters:      stats.NewCounters(),
		waker:         cfg.Pool.Subscribe(),
		events:        make(chan event, eventQueueSize),
		conns:         make(map[*Conn]struct{}),
		handlerCtx:    pslog.ContextWithLogger(ctx, logger),
		cancelHandler: cancel,
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// ID returns the thread index.
func (t *Thread) ID() int {
	return t.id
}

// Counters returns the live statistics of the thread.
func (t *Thread) Counters() *stats.Counters {
	return t.counters
}

// Start launches the event loop.
func (t *Thread) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

// Done is closed when the loop has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Accept hands an accepted socket to the thread. The socket is closed when
// the thread is stopping.
func (t *Thread) Accept(nc net.Conn) error {
	if !t.post(acceptEvent{nc: nc}) {
		_ = nc.Close()
		return ErrStopped
	}
	return nil
}

// Send queues a raw packet on connection connID. header and body must be
// encoded MessagePack maps; body may be empty.
func (t *Thread) Send(ctx context.Context, connID string, header, body []byte) error {
	if err := wire.ValidateMap(header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if len(body) > 0 {
		if err := wire.ValidateMap(body); err != nil {
			return fmt.Errorf("send body: %w", err)
		}
	}
	v, ok := t.index.Load(connID)
	if !ok {
		return ErrConnNotFound
	}
	done := make(chan error, 1)
	ev := pushEvent{c: v.(*Conn), connID: connID, data: wire.AppendPacket(nil, header, body), done: done}
	if !t.post(ev) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrStopped
	}
}

// Owns reports whether connID belongs to this thread.
func (t *Thread) Owns(connID string) bool {
	_, ok := t.index.Load(connID)
	return ok
}

// Stop drains the thread: undispatched requests are dropped, in-flight
// requests finish, pending output is flushed and sockets are closed. When ctx
// ends first every socket is closed at once and handler contexts are
// cancelled.
func (t *Thread) Stop(ctx context.Context) error {
	if !t.started.Load() {
		t.stopOnce.Do(func() { close(t.stopped) })
		t.cancelHandler()
		return nil
	}
	t.post(drainEvent{})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
	}
	t.stopOnce.Do(func() { close(t.stopped) })
	t.cancelHandler()
	<-t.done
	return ctx.Err()
}

// post delivers ev to the loop unless the loop stopped.
func (t *Thread) post(ev event) bool {
	select {
	case <-t.stopped:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.stopped:
		return false
	}
}

func (t *Thread) run() {
	defer close(t.done)
	t.logger.Debug("iproto.thread.start")
	for {
		select {
		case ev := <-t.events:
			t.handle(ev)
		case <-t.waker.C():
			t.retryStarved()
		case <-t.stopped:
			t.abortAll()
			t.logger.Debug("iproto.thread.stopped", "forced", true)
			return
		}
		if t.draining && len(t.conns) == 0 {
			t.stopOnce.Do(func() { close(t.stopped) })
			t.logger.Debug("iproto.thread.stopped", "forced", false)
			return
		}
	}
}

func (t *Thread) handle(ev event) {
	switch ev := ev.(type) {
	case acceptEvent:
		t.onAccept(ev.nc)
	case readEvent:
		t.onRead(ev)
	case writeEvent:
		t.onWrite(ev)
	case completeEvent:
		t.onComplete(ev)
	case pushEvent:
		t.onPush(ev)
	case drainEvent:
		t.onDrain()
	}
}

func (t *Thread) onAccept(nc net.Conn) {
	if t.draining {
		_ = nc.Close()
		return
	}
	c := newConn(t, nc)
	t.conns[c] = struct{}{}
	t.index.Store(c.id, c)
	t.counters.ConnOpened()
	c.start()
	t.logger.Debug("iproto.conn.accepted", "conn", c.id, "remote", c.remote)
	if t.greeting != nil {
		c.outbuf = append(c.outbuf, t.greeting()...)
		t.flush(c)
	}
	t.grantRead(c)
	c.syncMem()
}

func (t *Thread) grantRead(c *Conn) {
	if c.reading || c.readClosed || c.closing || c.paused || t.draining {
		return
	}
	if t.pending >= t.pool.Size() {
		// Too many requests buffered on this thread; completions or a
		// raised msg_max resume reading.
		t.throttled = true
		t.waker.Starve()
		return
	}
	limit := t.readahead()
	room := limit - len(c.inbuf)
	if room <= 0 {
		// Readahead shrank below what is already buffered.
		t.protocolFailure(c, ierr.FrameTooLarge(len(c.inbuf), limit))
		return
	}
	c.reading = true
	c.grant <- room
}

func (t *Thread) onRead(ev readEvent) {
	c := ev.c
	c.reading = false
	if c.finalized {
		return
	}
	if c.closing || t.draining {
		t.maybeFinalize(c)
		return
	}
	if len(ev.data) > 0 {
		t.counters.Received(len(ev.data))
		c.inbuf = append(c.inbuf, ev.data...)
		t.processInput(c)
	}
	if ev.err != nil && !c.closing {
		c.readClosed = true
		if errors.Is(ev.err, io.EOF) || errors.Is(ev.err, net.ErrClosed) {
			t.abort(c, nil)
		} else {
			t.abort(c, ierr.Network(c.remote, ev.err))
		}
	}
	t.grantRead(c)
	c.syncMem()
	t.maybeFinalize(c)
}

// processInput frames every complete packet in the input buffer.
func (t *Thread) processInput(c *Conn) {
	limit := t.readahead()
	for !c.closing && len(c.inbuf) > 0 {
		pkt, n, err := wire.Decode(c.inbuf, limit)
		if err != nil && n == 0 {
			t.protocolFailure(c, err)
			return
		}
		if n == 0 {
			break
		}
		c.inbuf = c.inbuf[n:]
		if err != nil {
			t.counters.RequestFramed()
			t.counters.RequestDone()
			t.guardFailure(c, "invalid_msgpack")
			c.outbuf = wire.AppendError(c.outbuf, wire.ErrCodeInvalidMsgpack, pkt.Sync, pkt.Schema, err.Error())
			continue
		}
		t.counters.RequestFramed()
		t.pending++
		c.streams.Enqueue(&streams.Request{Packet: pkt})
	}
	if len(c.inbuf) == 0 {
		c.inbuf = nil
	} else if len(c.inbuf) >= limit {
		t.protocolFailure(c, ierr.FrameTooLarge(len(c.inbuf), limit))
		return
	}
	c.paused = c.streams.Starved() > 0
	t.flush(c)
}

func (t *Thread) protocolFailure(c *Conn, err error) {
	reason := "invalid_frame"
	if errors.Is(err, ierr.ErrFrameTooLarge) {
		reason = "frame_too_large"
	}
	t.guardFailure(c, reason)
	t.abort(c, err)
}

func (t *Thread) guardFailure(c *Conn, reason string) {
	if t.guard != nil && t.guard.RecordFailure(c.remote, reason) {
		t.logger.Info("iproto.conn.remote_blocked", "conn", c.id, "remote", c.remote, "reason", reason)
	}
}

// dispatch offers req to the execution pool. It runs on the loop.
func (t *Thread) dispatch(c *Conn, req *streams.Request) bool {
	ok := t.pool.TryGo(t.handlerCtx, t.waker, func() {
		t.execute(c, req)
	})
	if !ok {
		return false
	}
	c.inflight++
	return true
}

// execute runs on an execution context. requests_in_progress moves inside
// the context so the summed gauge never exceeds the pool size.
func (t *Thread) execute(c *Conn, req *streams.Request) {
	t.counters.ProcessingStarted()
	ctx, span := t.tracer.Start(t.handlerCtx, "iproto.request."+wire.TypeName(req.Type),
		trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.Int64("iproto.request_type", int64(req.Type)),
		attribute.Int64("iproto.sync", int64(req.Sync)),
		attribute.Int64("iproto.stream_id", int64(req.StreamID)),
		attribute.Int("iproto.thread", t.id),
	)
	rid := correlation.Request{ConnID: c.id, StreamID: req.StreamID, Sync: req.Sync, Thread: t.id}
	ctx = correlation.With(ctx, rid)
	ctx = pslog.ContextWithLogger(ctx, t.logger.With("request", rid.ID(), "type", wire.TypeName(req.Type)))
	out := &sink{t: t, c: c, sync: req.Sync, schema: req.Schema}
	err := t.registry.Call(ctx, handler.Request{
		Type:     req.Type,
		Sync:     req.Sync,
		StreamID: req.StreamID,
		Schema:   req.Schema,
		Header:   req.Header,
		Body:     req.Body,
		ConnID:   c.id,
	}, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler_error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	t.counters.ProcessingFinished()
	t.post(completeEvent{c: c, req: req, err: err})
}

func (t *Thread) onComplete(ev completeEvent) {
	c, req := ev.c, ev.req
	c.inflight--
	t.requestDone()
	if ev.err != nil {
		req.State = streams.StateFailed
		if !c.closing {
			err := ev.err
			if !errors.Is(err, ierr.ErrUnsupportedRequest) {
				err = ierr.Handler(wire.ErrCodeProcC, err)
			}
			t.logger.Debug("iproto.request.failed",
				"conn", c.id,
				"type", wire.TypeName(req.Type),
				"sync", req.Sync,
				"error", err)
			c.outbuf = wire.AppendError(c.outbuf, ierr.CodeOf(err, wire.ErrCodeProcC), req.Sync, req.Schema, errorMessage(ev.err))
		}
	} else {
		req.State = streams.StateCompleted
	}
	c.streams.Complete(req)
	if c.paused && c.streams.Starved() == 0 {
		c.paused = false
	}
	t.flush(c)
	t.grantRead(c)
	c.syncMem()
	t.maybeFinalize(c)
	t.unthrottle()
}

func (t *Thread) requestDone() {
	t.pending--
	t.counters.RequestDone()
}

// unthrottle resumes reading on every connection once the thread is back
// under its request cap.
func (t *Thread) unthrottle() {
	if !t.throttled || t.pending >= t.pool.Size() {
		return
	}
	t.throttled = false
	for c := range t.conns {
		t.grantRead(c)
		c.syncMem()
	}
}

func (t *Thread) onPush(ev pushEvent) {
	c := ev.c
	if c.finalized || c.closing {
		if ev.done != nil {
			ev.done <- ErrConnNotFound
		}
		return
	}
	c.outbuf = append(c.outbuf, ev.data...)
	t.flush(c)
	c.syncMem()
	if ev.done != nil {
		ev.done <- nil
	}
}

func (t *Thread) flush(c *Conn) {
	if c.writing || c.socketShut || len(c.outbuf) == 0 {
		return
	}
	batch := c.outbuf
	c.outbuf = nil
	c.writing = true
	c.wlen = len(batch)
	c.wq <- batch
}

func (t *Thread) onWrite(ev writeEvent) {
	c := ev.c
	c.writing = false
	c.wlen = 0
	if ev.n > 0 {
		t.counters.Sent(ev.n)
	}
	if c.finalized {
		return
	}
	if ev.err != nil && !c.closing {
		t.abort(c, ierr.Network(c.remote, ev.err))
	}
	t.flush(c)
	c.syncMem()
	t.maybeFinalize(c)
}

func (t *Thread) retryStarved() {
	for c := range t.conns {
		if c.closing || c.streams.Starved() == 0 {
			continue
		}
		c.streams.Retry()
		if c.streams.Starved() == 0 && c.paused {
			c.paused = false
			t.grantRead(c)
		}
	}
	t.unthrottle()
}

// abort tears a connection down: undispatched requests and queued output
// are dropped, replies of in-flight requests are discarded.
func (t *Thread) abort(c *Conn, err error) {
	if c.closing {
		return
	}
	c.closing = true
	c.closeReason = err
	t.dropQueued(c)
	c.outbuf = nil
	c.inbuf = nil
	c.shutSocket()
	if err != nil {
		t.logger.Warn("iproto.conn.error", "conn", c.id, "remote", c.remote, "error", err)
	}
	c.syncMem()
	t.unthrottle()
}

func (t *Thread) dropQueued(c *Conn) {
	for _, req := range c.streams.Close() {
		req.State = streams.StateFailed
		t.requestDone()
	}
	c.paused = false
}

func (t *Thread) onDrain() {
	if t.draining {
		return
	}
	t.draining = true
	t.logger.Debug("iproto.thread.drain", "connections", len(t.conns))
	for c := range t.conns {
		t.dropQueued(c)
		c.inbuf = nil
		if c.reading {
			_ = c.nc.SetReadDeadline(time.Now())
		}
		c.syncMem()
		t.maybeFinalize(c)
	}
}

// maybeFinalize destroys c once nothing references it any more.
func (t *Thread) maybeFinalize(c *Conn) {
	if c.finalized {
		return
	}
	if !c.closing && !t.draining {
		return
	}
	if c.inflight > 0 || c.reading {
		return
	}
	if !c.closing && (c.writing || len(c.outbuf) > 0) {
		return
	}
	if c.writing {
		// The writer reports back after the socket close unblocks it.
		c.shutSocket()
		return
	}
	c.shutSocket()
	c.finalized = true
	delete(t.conns, c)
	t.index.Delete(c.id)
	t.counters.ConnClosed()
	c.syncMem()
	t.logger.Debug("iproto.conn.closed", "conn", c.id, "remote", c.remote)
}

// abortAll closes every socket without waiting for handlers.
func (t *Thread) abortAll() {
	for c := range t.conns {
		t.dropQueued(c)
		c.shutSocket()
		c.finalized = true
		t.index.Delete(c.id)
		t.counters.ConnClosed()
		c.syncMem()
		// Running handlers drop requests_in_progress themselves.
		for ; c.inflight > 0; c.inflight-- {
			t.requestDone()
		}
		delete(t.conns, c)
	}
}

func errorMessage(err error) string {
	var e *ierr.Error
	if errors.As(err, &e) && e.Err == nil && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}
