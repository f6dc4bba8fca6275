package txpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/pslog"
)

func TestNewRejectsSmallMsgMax(t *testing.T) {
	if _, err := New(1, nil); !errors.Is(err, ierr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestPoolSizeIsFactorOfMsgMax(t *testing.T) {
	p, err := New(2, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Size() != 10 {
		t.Fatalf("expected pool size 10, got %d", p.Size())
	}
	if err := p.SetMsgMax(7); err != nil {
		t.Fatalf("set msg max: %v", err)
	}
	if p.Size() != 35 || p.MsgMax() != 7 {
		t.Fatalf("expected size 35 for msg_max 7, got %d/%d", p.Size(), p.MsgMax())
	}
	if err := p.SetMsgMax(1); !errors.Is(err, ierr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if p.MsgMax() != 7 {
		t.Fatalf("rejected msg_max must not apply")
	}
}

func TestTryGoBoundsConcurrency(t *testing.T) {
	p, _ := New(2, nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	admitted := 0
	for i := 0; i < 15; i++ {
		started.Add(1)
		ok := p.TryGo(context.Background(), nil, func() {
			started.Done()
			<-release
		})
		if ok {
			admitted++
		} else {
			started.Done()
		}
	}
	if admitted != 10 {
		t.Fatalf("expected 10 admitted, got %d", admitted)
	}
	started.Wait()
	if p.Busy() != 10 {
		t.Fatalf("expected 10 busy, got %d", p.Busy())
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.Busy() != 0 {
		t.Fatalf("expected idle pool, got %d busy", p.Busy())
	}
}

func TestStarvedWakerNotifiedOnRelease(t *testing.T) {
	p, _ := New(2, nil)
	w := p.Subscribe()
	release := make(chan struct{})
	for i := 0; i < p.Size(); i++ {
		if !p.TryGo(context.Background(), w, func() { <-release }) {
			t.Fatalf("admission %d refused", i)
		}
	}
	if p.TryGo(context.Background(), w, func() {}) {
		t.Fatal("expected refusal on a full pool")
	}
	select {
	case <-w.C():
		t.Fatal("no capacity freed yet")
	default:
	}
	close(release)
	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("expected wake-up after release")
	}
}

func TestRaisingMsgMaxWakesStarved(t *testing.T) {
	p, _ := New(2, nil)
	w := p.Subscribe()
	release := make(chan struct{})
	defer close(release)
	for i := 0; i < p.Size(); i++ {
		p.TryGo(context.Background(), w, func() { <-release })
	}
	if p.TryGo(context.Background(), w, func() {}) {
		t.Fatal("expected refusal")
	}
	if err := p.SetMsgMax(3); err != nil {
		t.Fatalf("set msg max: %v", err)
	}
	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("expected wake-up after resize")
	}
	if !p.TryGo(context.Background(), nil, func() { <-release }) {
		t.Fatal("expected admission after resize")
	}
}
