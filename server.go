package iprotod

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pkt.systems/iprotod/internal/clock"
	"pkt.systems/iprotod/internal/connguard"
	"pkt.systems/iprotod/internal/handler"
	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/iothread"
	"pkt.systems/iprotod/internal/stats"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/iprotod/internal/txpool"
	"pkt.systems/iprotod/internal/version"
	"pkt.systems/iprotod/internal/wire"
	"pkt.systems/pslog"
)

// Server owns the network threads, the execution pool, the handler registry
// and the listeners.
type Server struct {
	cfg            Config
	logger         pslog.Logger
	listenerLogger pslog.Logger
	clock          clock.Clock
	pool           *txpool.Pool
	registry       *handler.Registry
	guard          *connguard.Guard
	threads        []*iothread.Thread
	telemetry      *telemetryBundle
	metrics        *serverMetrics
	instance       string
	readahead      atomic.Int64
	nextThread     atomic.Uint64

	tickCancel context.CancelFunc
	tickDone   chan struct{}

	mu        sync.Mutex
	listeners []*boundListener
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock; it drives the rolling means and the
// connection guard.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithThreads overrides Config.Threads.
func WithThreads(n int) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.Threads = n
		})
	}
}

// NewServer validates cfg, spawns cfg.Threads network threads with zeroed
// statistics and installs the built-in handlers. It binds nothing; call
// Listen.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.OrReal(o.Clock)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	pool, err := txpool.New(cfg.MsgMax, logger)
	if err != nil {
		shutdownTelemetry(telemetry)
		return nil, err
	}
	instance := cfg.Instance
	if instance == "" {
		instance = uuid.NewString()
	}
	s := &Server{
		cfg:            cfg,
		logger:         svcfields.WithSubsystem(logger, "server.lifecycle"),
		listenerLogger: svcfields.WithSubsystem(logger, "net.listener"),
		clock:          clk,
		pool:           pool,
		registry:       handler.NewRegistry(builtinHandlers(), logger),
		guard: connguard.New(connguard.Config{
			Enabled:          cfg.ConnguardEnabled,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
		}, logger, clk),
		telemetry: telemetry,
		instance:  instance,
		readyCh:   make(chan struct{}),
	}
	s.readahead.Store(int64(cfg.Readahead))

	rmeans := make([]*stats.Rmean, 0, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		th, err := iothread.New(iothread.Config{
			ID:        i,
			Pool:      pool,
			Registry:  s.registry,
			Readahead: s.Readahead,
			Greeting:  s.greeting,
			Guard:     s.guard,
			Logger:    logger,
		})
		if err != nil {
			s.stopThreads(context.Background())
			pool.Close()
			shutdownTelemetry(telemetry)
			return nil, err
		}
		th.Start()
		s.threads = append(s.threads, th)
		rmeans = append(rmeans, th.Counters().Rmean())
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickDone = make(chan struct{})
	go func() {
		defer close(s.tickDone)
		stats.RunTicker(tickCtx, clk, rmeans)
	}()
	s.metrics = newServerMetrics(s, logger)

	s.logger.Info("iproto.server.init",
		"threads", cfg.Threads,
		"msg_max", cfg.MsgMax,
		"pool_size", pool.Size(),
		"readahead", cfg.Readahead,
		"instance", instance,
		"connguard", s.guard.Enabled())
	return s, nil
}

// Listen binds addrs. It may be called again to replace the listen set:
// addresses still present keep their listener, removed ones are closed and
// active connections are never touched. When any address fails to bind,
// every listener opened by this call is closed and the previous set stays.
func (s *Server) Listen(addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrServerClosed
	}
	wanted := make([]endpoint, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, raw := range addrs {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return ierr.Network(raw, err)
		}
		if seen[ep.key()] {
			continue
		}
		seen[ep.key()] = true
		wanted = append(wanted, ep)
	}

	current := make(map[string]*boundListener, len(s.listeners))
	for _, b := range s.listeners {
		current[b.ep.key()] = b
	}
	next := make([]*boundListener, 0, len(wanted))
	var opened []*boundListener
	for _, ep := range wanted {
		if b, ok := current[ep.key()]; ok {
			next = append(next, b)
			continue
		}
		b, err := s.bind(ep)
		if err != nil {
			for _, o := range opened {
				o.discard()
			}
			s.logger.Warn("iproto.server.listen_failed", "address", ep.address, "error", err)
			return err
		}
		opened = append(opened, b)
		next = append(next, b)
	}
	for _, b := range s.listeners {
		if !seen[b.ep.key()] {
			b.close()
		}
	}
	for _, b := range opened {
		go s.acceptLoop(b)
		b.logger.Info("iproto.listener.bound", "bound", b.String())
	}
	s.listeners = next
	s.readyOnce.Do(func() { close(s.readyCh) })
	return nil
}

// Addrs returns the bound addresses in listen syntax; TCP ports are resolved.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for _, b := range s.listeners {
		out = append(out, b.String())
	}
	return out
}

// WaitUntilReady blocks until the first successful Listen or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Threads returns the number of network threads.
func (s *Server) Threads() int {
	return len(s.threads)
}

// SetMsgMax changes the admission unit. It applies to the next admission
// decision; running requests are unaffected.
func (s *Server) SetMsgMax(n int) error {
	return s.pool.SetMsgMax(n)
}

// MsgMax returns the current admission unit.
func (s *Server) MsgMax() int {
	return s.pool.MsgMax()
}

// SetReadahead changes the per-connection input limit.
func (s *Server) SetReadahead(n int) error {
	if n < MinReadahead {
		return ierr.Config("readahead must be >= %d, got %d", MinReadahead, n)
	}
	old := s.readahead.Swap(int64(n))
	if old != int64(n) {
		s.logger.Info("iproto.server.readahead", "readahead", n, "previous", old)
	}
	return nil
}

// Readahead returns the current per-connection input limit.
func (s *Server) Readahead() int {
	return int(s.readahead.Load())
}

// Override installs cb for reqType. A nil cb removes the override and makes
// the built-in handler visible again. The destructor of a replaced entry runs
// exactly once with its context.
func (s *Server) Override(reqType uint32, cb handler.Func, destroy handler.DestroyFunc, hctx any) error {
	return s.registry.Override(reqType, cb, destroy, hctx)
}

// Send queues a raw packet on connection connID. header and body must be
// encoded MessagePack maps; body may be nil.
func (s *Server) Send(connID string, header, body []byte) error {
	for _, th := range s.threads {
		if th.Owns(connID) {
			return th.Send(context.Background(), connID, header, body)
		}
	}
	return ErrConnNotFound
}

func (s *Server) greeting() []byte {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return wire.Greeting(version.Banner(), s.instance, salt)
}

// Shutdown stops accepting, drains every network thread (in-flight requests
// finish, output is flushed, sockets close), destroys all handler overrides
// and stops telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	begin := time.Now()
	for _, b := range listeners {
		b.close()
	}
	var errs []error
	if err := s.stopThreads(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain threads: %w", err))
	}
	if err := s.pool.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pool: %w", err))
	}
	s.registry.Close()
	s.pool.Close()
	s.tickCancel()
	<-s.tickDone
	s.metrics.close()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.logger.Info("iproto.server.shutdown", "elapsed", time.Since(begin), "clean", len(errs) == 0)
	return errors.Join(errs...)
}

// Close shuts the server down within Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) stopThreads(ctx context.Context) error {
	errCh := make(chan error, len(s.threads))
	var wg sync.WaitGroup
	for _, th := range s.threads {
		wg.Add(1)
		go func(th *iothread.Thread) {
			defer wg.Done()
			if err := th.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("thread %d: %w", th.ID(), err)
			}
		}(th)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer builds a server, binds cfg.Listen (DefaultListen when empty)
// and returns it with a stop function. The server is stopped when ctx ends.
//
//	srv, stop, err := iprotod.StartServer(ctx, iprotod.Config{Listen: []string{"127.0.0.1:3301"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{DefaultListen}
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := srv.Listen(srv.cfg.Listen); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
	}
	return srv, stop, nil
}
