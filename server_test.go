package iprotod

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"

	"pkt.systems/iprotod/client"
	"pkt.systems/iprotod/internal/clock"
	"pkt.systems/iprotod/internal/correlation"
	"pkt.systems/iprotod/internal/handler"
	"pkt.systems/iprotod/internal/wire"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuiltinPingAndID(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	if err := ts.Client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	ver, features, err := ts.Client.ID(ctx)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if ver != wire.ProtocolVersion || len(features) == 0 || features[0] != wire.FeatureStreams {
		t.Fatalf("unexpected id reply version=%d features=%v", ver, features)
	}
	if banner := ts.Client.Greeting().Banner; len(banner) == 0 {
		t.Fatal("expected greeting banner")
	}
}

func TestOverrideReplaceAndReset(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	var destroyed atomic.Int32
	echo := func(_ context.Context, req handler.Request, out handler.Sink, hctx any) error {
		if hctx.(string) != "echo-ctx" {
			return errors.New("wrong handler context")
		}
		return out.Reply(req.Body)
	}
	if err := ts.Server.Override(wire.TypeCall, echo, func(any) { destroyed.Add(1) }, "echo-ctx"); err != nil {
		t.Fatalf("override: %v", err)
	}
	body := msgp.AppendMapHeader(nil, 1)
	body = msgp.AppendUint64(body, wire.KeyData)
	body = msgp.AppendString(body, "hello")
	resp, err := ts.Client.Do(ctx, wire.TypeCall, 0, body)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp.Body) != string(body) {
		t.Fatalf("expected echoed body")
	}

	if err := ts.Server.Override(wire.TypeCall, nil, nil, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if destroyed.Load() != 1 {
		t.Fatalf("expected destructor once, got %d", destroyed.Load())
	}
	_, err = ts.Client.Do(ctx, wire.TypeCall, 0, nil)
	var serr *client.ServerError
	if !errors.As(err, &serr) || serr.Code != wire.ErrCodeUnknownRequestType {
		t.Fatalf("expected unknown request type after reset, got %v", err)
	}
	if err := ts.Client.Ping(ctx); err != nil {
		t.Fatalf("connection must survive an unsupported request: %v", err)
	}
}

func TestOverrideFallbackToBuiltin(t *testing.T) {
	ts := StartTestServer(t)
	var calls atomic.Int32
	err := ts.Server.Override(wire.TypePing, func(context.Context, handler.Request, handler.Sink, any) error {
		calls.Add(1)
		return ErrFallback
	}, nil, nil)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := ts.Client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("override should run before fallback")
	}
}

func TestOverrideValidation(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	noop := func(context.Context, handler.Request, handler.Sink, any) error { return nil }
	if err := ts.Server.Override(wire.TypeError|1, noop, nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for error-bit type, got %v", err)
	}
	if err := ts.Server.Override(wire.TypeCall, nil, func(any) {}, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for reset with destructor, got %v", err)
	}
}

// blockingCalls installs a CALL handler that waits for release and returns a
// release func.
func blockingCalls(t *testing.T, srv *Server) func() {
	t.Helper()
	release := make(chan struct{})
	err := srv.Override(wire.TypeCall, func(ctx context.Context, _ handler.Request, out handler.Sink, _ any) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return out.Reply(nil)
	}, nil, nil)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestAdmissionCeilingAcrossThreads(t *testing.T) {
	ts := StartTestServer(t, WithTestConfig(Config{Threads: 4, MsgMax: 2}), WithoutTestClient())
	release := blockingCalls(t, ts.Server)
	defer release()

	var wg sync.WaitGroup
	errs := make(chan error, 15)
	for i := 0; i < 15; i++ {
		cli := ts.Dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := cli.Do(ctx, wire.TypeCall, 0, nil)
			errs <- err
		}()
	}
	waitUntil(t, "ten requests in progress", func() bool {
		return ts.Server.Stats().RequestsInProgress == 10
	})
	time.Sleep(20 * time.Millisecond)
	st := ts.Server.Stats()
	if st.RequestsInProgress != 10 {
		t.Fatalf("expected 10 in progress, got %d", st.RequestsInProgress)
	}
	if st.Requests != 15 || st.Connections != 15 {
		t.Fatalf("expected 15 requests on 15 connections, got %+v", st)
	}
	var perThread uint64
	for i := 0; i < ts.Server.Threads(); i++ {
		th, err := ts.Server.ThreadStats(i)
		if err != nil {
			t.Fatalf("thread stats: %v", err)
		}
		if th.Connections == 0 {
			t.Fatalf("round-robin should give thread %d a connection", i)
		}
		perThread += th.Connections
	}
	if perThread != 15 {
		t.Fatalf("thread stats do not add up: %d", perThread)
	}
	release()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("call: %v", err)
		}
	}
}

func TestSetMsgMaxRaisesCeiling(t *testing.T) {
	ts := StartTestServer(t, WithTestConfig(Config{MsgMax: 2}))
	release := blockingCalls(t, ts.Server)
	defer release()

	done := make(chan error, 15)
	for i := uint64(1); i <= 15; i++ {
		go func(stream uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := ts.Client.Do(ctx, wire.TypeCall, stream, nil)
			done <- err
		}(i)
	}
	waitUntil(t, "ceiling of 10", func() bool { return ts.Server.Stats().RequestsInProgress == 10 })
	if err := ts.Server.SetMsgMax(1); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for msg max 1, got %v", err)
	}
	if err := ts.Server.SetMsgMax(3); err != nil {
		t.Fatalf("set msg max: %v", err)
	}
	waitUntil(t, "all 15 admitted", func() bool { return ts.Server.Stats().RequestsInProgress == 15 })
	release()
	for i := 0; i < 15; i++ {
		if err := <-done; err != nil {
			t.Fatalf("call: %v", err)
		}
	}
}

func TestStreamOrderingEndToEnd(t *testing.T) {
	ts := StartTestServer(t)
	var mu sync.Mutex
	var order []string
	err := ts.Server.Override(wire.TypeCall, func(_ context.Context, req handler.Request, out handler.Sink, _ any) error {
		_, rest, err := msgp.ReadMapHeaderBytes(req.Body)
		if err != nil {
			return err
		}
		if _, rest, err = msgp.ReadUint64Bytes(rest); err != nil {
			return err
		}
		name, _, err := msgp.ReadStringBytes(rest)
		if err != nil {
			return err
		}
		if name == "r1" {
			time.Sleep(100 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return out.Reply(nil)
	}, nil, nil)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	body := func(name string) []byte {
		b := msgp.AppendMapHeader(nil, 1)
		b = msgp.AppendUint64(b, wire.KeyData)
		return msgp.AppendString(b, name)
	}
	var wg sync.WaitGroup
	for _, name := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := ts.Client.Do(context.Background(), wire.TypeCall, 7, body(name)); err != nil {
				t.Errorf("call %s: %v", name, err)
			}
		}(name)
		// r1 must hit the wire first.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "r1" || order[1] != "r2" {
		t.Fatalf("stream 7 ran out of order: %v", order)
	}
}

func TestListenReplacesSetAndRollsBack(t *testing.T) {
	dir, err := os.MkdirTemp("", "iprotod")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := "unix/:" + filepath.Join(dir, "s.sock")

	srv, err := NewServer(Config{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	if err := srv.Listen([]string{sock}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := srv.Addrs(); len(got) != 1 || got[0] != sock {
		t.Fatalf("unexpected addrs %v", got)
	}
	ctx := context.Background()
	cli, err := client.Dial(ctx, sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	err = srv.Listen([]string{sock, "127.0.0.1:0", "203.0.113.1:0"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if got := srv.Addrs(); len(got) != 1 || got[0] != sock {
		t.Fatalf("failed listen must keep the previous set, got %v", got)
	}

	if err := srv.Listen([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("replace listen: %v", err)
	}
	addrs := srv.Addrs()
	if len(addrs) != 1 || addrs[0] == sock {
		t.Fatalf("expected only the tcp listener, got %v", addrs)
	}
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("existing connection must survive listener replacement: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s.sock")); !os.IsNotExist(err) {
		t.Fatalf("unix socket should be unlinked, stat err=%v", err)
	}
	tcp, err := client.Dial(ctx, addrs[0])
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer tcp.Close()
	if err := tcp.Ping(ctx); err != nil {
		t.Fatalf("ping tcp: %v", err)
	}
}

func TestNewServerRejectsBadThreads(t *testing.T) {
	for _, n := range []int{-1, MaxThreads + 1} {
		if _, err := NewServer(Config{Threads: n}); !errors.Is(err, ErrConfig) {
			t.Fatalf("threads=%d: expected ErrConfig, got %v", n, err)
		}
	}
}

func TestStatsResetAndRmean(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	ts := StartTestServer(t, WithTestServerOptions(WithClock(clk)))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := ts.Client.Ping(ctx); err != nil {
			t.Fatalf("ping: %v", err)
		}
	}
	if !clk.WaitPending(1, 5*time.Second) {
		t.Fatal("rolling mean ticker never armed")
	}
	clk.Advance(time.Second)
	waitUntil(t, "REQUESTS rps of 1", func() bool {
		var rps int64 = -1
		_ = ts.Server.RmeanForeach(func(name string, r, _ int64) error {
			if name == RmeanRequests {
				rps = r
			}
			return nil
		})
		return rps == 1
	})

	var names []string
	if err := ts.Server.ThreadRmeanForeach(0, func(name string, _, _ int64) error {
		names = append(names, name)
		return nil
	}); err != nil {
		t.Fatalf("thread rmean: %v", err)
	}
	if len(names) != 7 {
		t.Fatalf("expected 7 rolling means, got %v", names)
	}
	if err := ts.Server.ThreadRmeanForeach(1, func(string, int64, int64) error { return nil }); !errors.Is(err, ErrInvalidThreadID) {
		t.Fatalf("expected ErrInvalidThreadID, got %v", err)
	}
	if _, err := ts.Server.ThreadStats(-1); !errors.Is(err, ErrInvalidThreadID) {
		t.Fatalf("expected ErrInvalidThreadID, got %v", err)
	}

	before := ts.Server.Stats()
	if before.Totals.Requests < 5 || before.Totals.Received == 0 {
		t.Fatalf("unexpected totals before reset: %+v", before.Totals)
	}
	ts.Server.ResetStat()
	after := ts.Server.Stats()
	if after.Totals != (StatTotals{}) {
		t.Fatalf("totals must be zero after reset: %+v", after.Totals)
	}
	if after.Connections != 1 {
		t.Fatalf("gauges must survive reset, connections=%d", after.Connections)
	}
}

func TestSendPushesToConnection(t *testing.T) {
	ts := StartTestServer(t)
	ids := make(chan string, 1)
	err := ts.Server.Override(wire.TypeCall, func(ctx context.Context, req handler.Request, out handler.Sink, _ any) error {
		if want := req.ConnID + "/" + strconv.FormatUint(req.Sync, 10); correlation.ID(ctx) != want {
			return fmt.Errorf("correlation id %q, want %q", correlation.ID(ctx), want)
		}
		ids <- req.ConnID
		return out.Reply(nil)
	}, nil, nil)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if _, err := ts.Client.Do(context.Background(), wire.TypeCall, 0, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	connID := <-ids
	if err := ts.Server.Send(connID, wire.AppendHeader(nil, wire.TypeOK, 1<<40, 0), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case push := <-ts.Client.Pushes():
		if push.Sync != 1<<40 {
			t.Fatalf("unexpected push %+v", push)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered")
	}
	if err := ts.Server.Send("nope", wire.AppendHeader(nil, wire.TypeOK, 1, 0), nil); !errors.Is(err, ErrConnNotFound) {
		t.Fatalf("expected ErrConnNotFound, got %v", err)
	}
}

func TestShutdownDestroysOverridesAndRejectsListen(t *testing.T) {
	srv, stop, err := StartServer(context.Background(), Config{Listen: []string{"127.0.0.1:0"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var destroyed atomic.Int32
	noop := func(context.Context, handler.Request, handler.Sink, any) error { return nil }
	if err := srv.Override(wire.TypeSelect, noop, func(any) { destroyed.Add(1) }, nil); err != nil {
		t.Fatalf("override: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if destroyed.Load() != 1 {
		t.Fatalf("expected destructor on shutdown, got %d", destroyed.Load())
	}
	if err := srv.Listen([]string{"127.0.0.1:0"}); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
	if len(srv.Addrs()) != 0 {
		t.Fatalf("listeners must be closed")
	}
}
