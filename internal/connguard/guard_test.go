package connguard

import (
	"net"
	"testing"
	"time"

	"pkt.systems/iprotod/internal/clock"
	"pkt.systems/pslog"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, pslog.NoopLogger(), clk)

	remote := "127.0.0.1:5555"
	if g.RecordFailure(remote, "frame_too_large") {
		t.Fatalf("first failure should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if g.RecordFailure(remote, "frame_too_large") {
		t.Fatalf("second failure should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if !g.RecordFailure(remote, "frame_too_large") {
		t.Fatalf("third failure should block")
	}
	if !g.Blocked("127.0.0.1:6000") {
		t.Fatalf("block must apply to the host regardless of port")
	}
	clk.Advance(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("block should expire")
	}
	if g.RecordFailure(remote, "frame_too_large") {
		t.Fatalf("post-expiry failure should not block immediately")
	}
}

func TestGuardForgetsOldFailures(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := New(Config{Enabled: true, FailureThreshold: 2, FailureWindow: time.Second}, nil, clk)
	g.RecordFailure("10.0.0.1:1", "invalid_msgpack")
	clk.Advance(2 * time.Second)
	if g.RecordFailure("10.0.0.1:1", "invalid_msgpack") {
		t.Fatalf("failure outside window must not count")
	}
}

func TestDisabledGuardIsInert(t *testing.T) {
	g := New(Config{FailureThreshold: 1}, nil, nil)
	if g.RecordFailure("127.0.0.1:1", "x") || g.Blocked("127.0.0.1:1") {
		t.Fatalf("disabled guard must never block")
	}
	ln := &stubListener{}
	if g.WrapListener(ln) != net.Listener(ln) {
		t.Fatalf("disabled guard must not wrap")
	}
}

func TestWrappedListenerDropsBlockedRemotes(t *testing.T) {
	g := New(Config{Enabled: true, FailureThreshold: 1, BlockDuration: time.Minute}, nil, nil)
	g.RecordFailure("192.0.2.1:1000", "frame_too_large")

	blocked := &fakeConn{remote: "192.0.2.1:2000"}
	allowed := &fakeConn{remote: "192.0.2.2:2000"}
	ln := g.WrapListener(&stubListener{conns: []net.Conn{blocked, allowed}})
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if conn != allowed {
		t.Fatalf("expected the unblocked connection")
	}
	if !blocked.closed {
		t.Fatalf("blocked connection must be closed")
	}
}

type stubListener struct {
	conns []net.Conn
}

func (l *stubListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, net.ErrClosed
	}
	c := l.conns[0]
	l.conns = l.conns[1:]
	return c, nil
}

func (l *stubListener) Close() error   { return nil }
func (l *stubListener) Addr() net.Addr { return fakeAddr("127.0.0.1:3301") }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConn struct {
	net.Conn
	remote string
	closed bool
}

func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr(c.remote) }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}
