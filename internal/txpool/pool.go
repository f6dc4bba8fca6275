// Package txpool bounds how many requests execute concurrently server-wide.
//
// The bound is msg_max * PoolSizeFactor. The factor exceeds one because
// long-polling requests hold an execution context without contributing to
// short-request throughput. When the pool is exhausted, dispatch stops until
// a context is released; starved network threads are then woken.
package txpool

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// MsgMaxMin is the smallest accepted msg_max.
	MsgMaxMin = 2
	// PoolSizeFactor scales msg_max into the execution context limit.
	PoolSizeFactor = 5
)

// Pool runs admitted functions in their own goroutine and counts them.
type Pool struct {
	logger  pslog.Logger
	metrics *poolMetrics

	msgMax atomic.Int64
	busy   atomic.Int64
	wg     sync.WaitGroup

	subMu    sync.Mutex
	watchers atomic.Pointer[[]*Waker]

	closeOnce sync.Once
}

// Waker is a network thread's subscription to capacity notifications.
type Waker struct {
	ch      chan struct{}
	starved atomic.Bool
}

// C delivers a token after capacity frees while the subscriber is starved.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

// Starve marks the subscriber as waiting for capacity.
func (w *Waker) Starve() {
	w.starved.Store(true)
}

func (w *Waker) notify() {
	if !w.starved.CompareAndSwap(true, false) {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// New builds a pool limited to msgMax*PoolSizeFactor contexts.
func New(msgMax int, logger pslog.Logger) (*Pool, error) {
	p := &Pool{logger: svcfields.WithSubsystem(logger, "tx.pool")}
	if err := p.SetMsgMax(msgMax); err != nil {
		return nil, err
	}
	empty := []*Waker{}
	p.watchers.Store(&empty)
	p.metrics = newPoolMetrics(p.logger, p)
	return p, nil
}

// SetMsgMax changes the admission limit. Running functions are unaffected.
func (p *Pool) SetMsgMax(n int) error {
	if n < MsgMaxMin {
		return ierr.Config("msg_max %d below minimum %d", n, MsgMaxMin)
	}
	old := p.msgMax.Swap(int64(n))
	if old != 0 && old != int64(n) {
		p.logger.Info("iproto.pool.resize", "msg_max", n, "pool_size", n*PoolSizeFactor, "previous_pool_size", old*PoolSizeFactor)
		if int64(n) > old {
			p.wakeAll()
		}
	}
	return nil
}

// MsgMax returns the current msg_max.
func (p *Pool) MsgMax() int {
	return int(p.msgMax.Load())
}

// Size returns the current number of execution contexts.
func (p *Pool) Size() int {
	return int(p.msgMax.Load() * PoolSizeFactor)
}

// Busy returns how many contexts are executing.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Subscribe registers a waker notified whenever capacity frees while it is
// starved.
func (p *Pool) Subscribe() *Waker {
	w := &Waker{ch: make(chan struct{}, 1)}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	current := *p.watchers.Load()
	next := make([]*Waker, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, w)
	p.watchers.Store(&next)
	return w
}

func (p *Pool) acquire() bool {
	for {
		busy := p.busy.Load()
		if busy >= p.msgMax.Load()*PoolSizeFactor {
			return false
		}
		if p.busy.CompareAndSwap(busy, busy+1) {
			return true
		}
	}
}

func (p *Pool) release() {
	p.busy.Add(-1)
	p.wakeAll()
}

func (p *Pool) wakeAll() {
	for _, w := range *p.watchers.Load() {
		w.notify()
	}
}

// TryGo runs fn in a new execution context when one is available and reports
// whether it was admitted. On refusal w, when non-nil, is marked starved so
// the next release wakes it.
func (p *Pool) TryGo(ctx context.Context, w *Waker, fn func()) bool {
	if !p.acquire() {
		if w == nil {
			p.metrics.recordRefusal(ctx)
			return false
		}
		w.Starve()
		// A release between the failed acquire and Starve would be lost.
		if !p.acquire() {
			p.metrics.recordRefusal(ctx)
			return false
		}
	}
	p.metrics.recordAdmission(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		fn()
	}()
	return true
}

// Wait blocks until every admitted function returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the pool from the global meter. Admission keeps working.
func (p *Pool) Close() {
	p.closeOnce.Do(p.metrics.close)
}
