package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge"
	"pkt.systems/rpcbridge/internal/pathutil"
	"pkt.systems/rpcbridge/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RPCBRIDGE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rpcbridge")
	cmd := newRootCommand(baseLogger)
	serving := invocationTargetsServe(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if serving {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsServe reports whether args run the bridge, in which case
// failures are logged rather than printed. Flags ahead of the subcommand are
// skipped together with their values.
func invocationTargetsServe(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return false
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			i++
			if flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					break
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return subcommandName(root, arg) == "serve"
	}
	return false
}

func subcommandName(root *cobra.Command, token string) string {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return sub.Name()
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return sub.Name()
			}
		}
	}
	return ""
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := rpcbridge.DefaultConfigPath(); err == nil {
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
	expanded, err := pathutil.Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rpcbridge",
		Short:         "rpcbridge forwards JSON-RPC requests from HTTP clients to a polling consumer, one at a time",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Bridge on loopback with a built-in echo consumer
  rpcbridge serve --echo

  # TLS with a bearer key, reading the key from the environment
  RPCBRIDGE_BEARER_KEY=s3cret rpcbridge serve --tls-cert server.pem --tls-key server.key

  # Send a request and wait for the consumer first
  rpcbridge wait --for 30s && rpcbridge call --method ping --id 1
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.rpcbridge/"+rpcbridge.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error, disabled)")
	clientCfg := addClientConnectionFlags(cmd)

	viper.SetEnvPrefix("RPCBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"config", "log-level"} {
		if err := viper.BindPFlag(name, persistentFlags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newCallCommand(clientCfg))
	cmd.AddCommand(newStatusCommand(clientCfg))
	cmd.AddCommand(newWaitCommand(clientCfg))
	cmd.AddCommand(newTLSCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// applyLogLevel lowers or raises logger to the configured --log-level.
func applyLogLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		return logger
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
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
