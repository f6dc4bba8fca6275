package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/iprotod"
	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("IPROTOD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "iprotod")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(root, args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			flag := lookupShort(sh[:1])
			if flag == nil {
				return !hasSubcommand(root, args[i:])
			}
			if flag.NoOptDefVal == "" && len(sh) == 1 && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, args []string) bool {
	for _, tok := range args {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := iprotod.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, iprotod.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg iprotod.Config
	cmd := &cobra.Command{
		Use:           "iprotod",
		Short:         "iprotod is a binary protocol front end that multiplexes MessagePack requests over TCP and unix sockets",
		SilenceErrors: true,
		Example: `
  # Two network threads on the default port
  iprotod --threads 2

  # TCP and a unix socket, larger admission window
  iprotod --listen 0.0.0.0:3301 --listen unix/:/run/iprotod.sock --msg-max 1024

  # Prometheus metrics and OTLP traces
  iprotod --metrics-listen 127.0.0.1:9464 --otlp-endpoint grpc://collector:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to iprotod",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			srv, stop, err := iprotod.StartServer(ctx, cfg, iprotod.WithLogger(logger))
			if err != nil {
				return err
			}
			cliLogger.Info("iproto.server.ready",
				"listen", srv.Addrs(),
				"threads", srv.Threads(),
				"msg_max", srv.MsgMax(),
				"readahead", humanize.IBytes(uint64(srv.Readahead())),
			)

			if configFile != "" && viper.GetBool("watch-config") {
				watcher, err := watchConfig(configFile, srv, svcfields.WithSubsystem(logger, "cli.reload"))
				if err != nil {
					cliLogger.Warn("config watch disabled", "path", configFile, "error", err)
				} else {
					defer watcher.Close()
				}
			}

			<-ctx.Done()
			timeout := cfg.ShutdownTimeout
			if timeout <= 0 {
				timeout = iprotod.DefaultShutdownTimeout
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := stop(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.iprotod/"+iprotod.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringSliceP("listen", "l", nil, "address to bind: host:port, unix/:/path or unix:///path (repeatable, default "+iprotod.DefaultListen+")")
	flags.Int("threads", iprotod.DefaultThreads, "number of network threads")
	flags.Int("msg-max", iprotod.DefaultMsgMax, "admission unit; the execution pool admits msg-max*5 concurrent requests")
	flags.String("readahead", strconv.Itoa(iprotod.DefaultReadahead), "per-connection input limit (bytes, accepts units such as 64KiB)")
	flags.Duration("shutdown-timeout", iprotod.DefaultShutdownTimeout, "time allowed for in-flight requests to drain on shutdown")
	flags.String("instance", "", "instance id advertised in the greeting (random UUID when empty)")
	flags.String("metrics-listen", iprotod.DefaultMetricsListen, "Prometheus metrics listener (empty disables)")
	flags.String("pprof-listen", iprotod.DefaultPprofListen, "pprof debug listener (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics listener")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host[:port] or grpc://, grpcs://, http://, https:// URL)")
	flags.Bool("connguard-enabled", false, "block remotes that repeatedly send malformed frames")
	flags.Int("connguard-failure-threshold", iprotod.DefaultConnguardFailureThreshold, "protocol failures tolerated per remote within the failure window")
	flags.Duration("connguard-failure-window", iprotod.DefaultConnguardFailureWindow, "period over which protocol failures are counted")
	flags.Duration("connguard-block-duration", iprotod.DefaultConnguardBlockDuration, "how long an offending remote is refused")
	flags.Bool("watch-config", true, "live-apply msg-max, readahead and listen when the config file changes")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("IPROTOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "threads", "msg-max", "readahead", "shutdown-timeout", "instance",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
		"watch-config", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newPingCommand())
	return cmd
}

func bindConfig(cfg *iprotod.Config) error {
	cfg.Listen = viper.GetStringSlice("listen")
	cfg.Threads = viper.GetInt("threads")
	cfg.MsgMax = viper.GetInt("msg-max")
	readahead, err := parseSize(viper.GetString("readahead"))
	if err != nil {
		return fmt.Errorf("readahead: %w", err)
	}
	cfg.Readahead = readahead
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.Instance = viper.GetString("instance")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	return cfg.Validate()
}

// parseSize accepts plain byte counts and humanized sizes ("64KiB", "1 MB").
func parseSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return int(n), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
