package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/iprotod"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage iprotod configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.iprotod/" + iprotod.DefaultConfigFileName
	if dir, err := iprotod.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, iprotod.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default iprotod configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := iprotod.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, iprotod.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                    []string `yaml:"listen"`
	Threads                   int      `yaml:"threads"`
	MsgMax                    int      `yaml:"msg-max"`
	Readahead                 string   `yaml:"readahead"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	Instance                  string   `yaml:"instance"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool     `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int      `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string   `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string   `yaml:"connguard-block-duration"`
	WatchConfig               bool     `yaml:"watch-config"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    []string{iprotod.DefaultListen},
		Threads:                   iprotod.DefaultThreads,
		MsgMax:                    iprotod.DefaultMsgMax,
		Readahead:                 strconv.Itoa(iprotod.DefaultReadahead),
		ShutdownTimeout:           iprotod.DefaultShutdownTimeout.String(),
		MetricsListen:             iprotod.DefaultMetricsListen,
		PprofListen:               iprotod.DefaultPprofListen,
		ConnguardEnabled:          false,
		ConnguardFailureThreshold: iprotod.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    iprotod.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    iprotod.DefaultConnguardBlockDuration.String(),
		WatchConfig:               true,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
