package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/rpcbridge"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rpcbridge configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.rpcbridge/" + rpcbridge.DefaultConfigFileName
	if path, err := rpcbridge.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default rpcbridge configuration file",
		Args:  cobra.NoArgs,
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
				path, err := rpcbridge.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
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

// configDefaults mirrors the serve flags; keys are the flag names so the
// file, the flags and RPCBRIDGE_* variables line up.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	AllowAllInterfaces        bool   `yaml:"allow-all-interfaces"`
	MaxPayload                string `yaml:"max-payload"`
	RequestTimeout            string `yaml:"request-timeout"`
	PollInterval              string `yaml:"poll-interval"`
	UnloadGrace               string `yaml:"unload-grace"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	ReadHeaderTimeout         string `yaml:"read-header-timeout"`
	MaxConnections            int    `yaml:"max-connections"`
	BearerKey                 string `yaml:"bearer-key"`
	TLSCert                   string `yaml:"tls-cert"`
	TLSKey                    string `yaml:"tls-key"`
	StatusPath                string `yaml:"status-path"`
	DisableStatus             bool   `yaml:"disable-status"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	ConnGuard                 bool   `yaml:"connguard"`
	ConnGuardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnGuardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnGuardBlockDuration    string `yaml:"connguard-block-duration"`
	ConnGuardProbeTimeout     string `yaml:"connguard-probe-timeout"`
	LogLevel                  string `yaml:"log-level"`
	Client                    struct {
		Server string `yaml:"server"`
		Bearer string `yaml:"bearer"`
		CA     string `yaml:"ca"`
	} `yaml:"client"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    rpcbridge.DefaultListen,
		MaxPayload:                humanizeBytes(rpcbridge.DefaultMaxPayloadBytes),
		RequestTimeout:            rpcbridge.DefaultRequestTimeout.String(),
		PollInterval:              rpcbridge.DefaultPollInterval.String(),
		UnloadGrace:               rpcbridge.DefaultUnloadGrace.String(),
		ShutdownTimeout:           rpcbridge.DefaultShutdownTimeout.String(),
		ReadHeaderTimeout:         rpcbridge.DefaultReadHeaderTimeout.String(),
		MaxConnections:            rpcbridge.DefaultMaxConnections,
		StatusPath:                rpcbridge.DefaultStatusPath,
		MetricsListen:             rpcbridge.DefaultMetricsListen,
		PprofListen:               rpcbridge.DefaultPprofListen,
		ConnGuardFailureThreshold: rpcbridge.DefaultConnGuardFailureThreshold,
		ConnGuardFailureWindow:    rpcbridge.DefaultConnGuardFailureWindow.String(),
		ConnGuardBlockDuration:    rpcbridge.DefaultConnGuardBlockDuration.String(),
		ConnGuardProbeTimeout:     rpcbridge.DefaultConnGuardProbeTimeout.String(),
		LogLevel:                  "info",
	}
	defaults.Client.Server = "http://" + rpcbridge.DefaultListen + "/"
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
