package clock_test

import (
	"testing"
	"time"

	"pkt.systems/iprotod/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestOrRealDefaultsNil(t *testing.T) {
	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatal("expected real clock for nil")
	}
	m := clock.NewManual(time.Unix(0, 0))
	if clock.OrReal(m) != m {
		t.Fatal("expected manual clock to pass through")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(3 * time.Second)
	if !m.WaitPending(2, time.Second) {
		t.Fatalf("expected two pending timers, got %d", m.Pending())
	}
	m.Advance(time.Second)
	select {
	case at := <-short:
		if !at.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	m.Advance(2 * time.Second)
	select {
	case <-long:
	default:
		t.Fatal("long timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}
