package iprotod

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/iprotod/client"
	"pkt.systems/pslog"
)

// TestServer wraps a running Server bound to a loopback port.
type TestServer struct {
	Server *Server
	Addr   string
	Client *client.Client
	Config Config

	stop func(context.Context) error
}

// TestServerOption customises StartTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg        Config
	serverOpts []Option
	noClient   bool
	logLevel   pslog.Level
	quiet      bool
}

// WithTestConfig replaces the base configuration. Listen is always forced to
// a loopback port.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestServerOptions forwards options to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithoutTestClient skips dialing the default client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.noClient = true
	}
}

// WithTestLogLevel routes server logs at level and above to t.Log.
func WithTestLogLevel(level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logLevel = level
		o.quiet = false
	}
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level).With("app", "testserver")
}

// StartTestServer starts a server on 127.0.0.1 with an ephemeral port and a
// connected client. Both are stopped on test cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{quiet: true}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	cfg.Listen = []string{"127.0.0.1:0"}
	serverOpts := o.serverOpts
	if !o.quiet {
		serverOpts = append([]Option{WithLogger(NewTestingLogger(t, o.logLevel))}, serverOpts...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(context.Background(), cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{Server: srv, Addr: srv.Addrs()[0], Config: srv.cfg, stop: stop}
	if !o.noClient {
		cli, err := client.Dial(ctx, ts.Addr)
		if err != nil {
			_ = stop(context.Background())
			t.Fatalf("dial test server: %v", err)
		}
		ts.Client = cli
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Dial opens an extra client connection to the test server.
func (ts *TestServer) Dial(t testing.TB) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := client.Dial(ctx, ts.Addr)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// Stop closes the client and shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}
