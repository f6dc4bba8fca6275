package iprotod

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/iothread"
	"pkt.systems/iprotod/internal/txpool"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":3301"
	// DefaultThreads is the number of network threads started by default.
	DefaultThreads = 1
	// MaxThreads bounds the number of network threads.
	MaxThreads = 1000
	// DefaultMsgMax is the default admission unit; the pool admits
	// DefaultMsgMax * 5 concurrent requests.
	DefaultMsgMax = 768
	// MinMsgMax is the smallest accepted msg_max.
	MinMsgMax = txpool.MsgMaxMin
	// DefaultReadahead is the default per-connection input limit in bytes.
	DefaultReadahead = iothread.DefaultReadahead
	// MinReadahead is the smallest accepted readahead.
	MinReadahead = iothread.MinReadahead
	// DefaultShutdownTimeout caps how long Close waits for connections to drain.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConnguardFailureThreshold is the number of protocol failures
	// tolerated from one remote within the failure window.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the period failures are counted over.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long an offending remote is refused.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an iprotod.Server.
type Config struct {
	// Listen holds the addresses to bind: host:port, unix/:/path or
	// unix:///path.
	Listen []string
	// Threads is the number of network threads.
	Threads int
	// MsgMax sets the admission unit; the execution pool admits MsgMax * 5
	// concurrent requests.
	MsgMax int
	// Readahead bounds unconsumed input per connection.
	Readahead int
	// ShutdownTimeout caps Close.
	ShutdownTimeout time.Duration
	// Instance is the instance id advertised in the greeting; empty draws a
	// random UUID.
	Instance string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// ConnguardEnabled blocks remotes that repeatedly send malformed frames.
	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
}

// Validate applies defaults and checks limits.
func (c *Config) Validate() error {
	listen := make([]string, 0, len(c.Listen))
	for _, addr := range c.Listen {
		if addr = strings.TrimSpace(addr); addr != "" {
			listen = append(listen, addr)
		}
	}
	c.Listen = listen
	if c.Threads == 0 {
		c.Threads = DefaultThreads
	}
	if c.Threads < 1 || c.Threads > MaxThreads {
		return ierr.Config("threads must be within [1, %d], got %d", MaxThreads, c.Threads)
	}
	if c.MsgMax == 0 {
		c.MsgMax = DefaultMsgMax
	}
	if c.MsgMax < MinMsgMax {
		return ierr.Config("msg max must be >= %d, got %d", MinMsgMax, c.MsgMax)
	}
	if c.Readahead == 0 {
		c.Readahead = DefaultReadahead
	}
	if c.Readahead < MinReadahead {
		return ierr.Config("readahead must be >= %d, got %d", MinReadahead, c.Readahead)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return ierr.Config("profiling metrics require metrics-listen")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureThreshold < 0 {
		return ierr.Config("connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.iprotod), overridable with IPROTOD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("IPROTOD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".iprotod"), nil
}
