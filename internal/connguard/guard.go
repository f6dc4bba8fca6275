// Package connguard blocks remotes that keep sending malformed traffic.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/iprotod/internal/clock"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls protocol-failure tracking.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of protocol failures before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting failures.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked remote stays blocked.
	BlockDuration time.Duration
}

type remoteState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores per-remote failure state and can wrap a listener.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock

	mu     sync.Mutex
	events map[string]*remoteState
}

// New constructs a guard. A nil clock means wall time.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "control.connguard"),
		clk:    clock.OrReal(clk),
		events: make(map[string]*remoteState),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled && g.cfg.FailureThreshold > 0
}

// RecordFailure notes a protocol failure by remote and reports whether the
// remote is now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil {
		state = &remoteState{}
		g.events[remote] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("iproto.connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("iproto.connguard.blocked",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("iproto.connguard.released", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.events, remote)
	}
	return false
}

// WrapListener returns a listener that drops connections from blocked
// remotes at accept time.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Debug("iproto.connguard.rejected", "remote", remote)
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
