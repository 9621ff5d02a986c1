package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge"
	"pkt.systems/rpcbridge/consumer"
	"pkt.systems/rpcbridge/internal/svcfields"
)

var serveFlagNames = []string{
	"listen", "allow-all-interfaces", "max-payload", "request-timeout", "poll-interval",
	"unload-grace", "shutdown-timeout", "read-header-timeout", "max-connections",
	"bearer-key", "tls-cert", "tls-key", "status-path", "disable-status",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"connguard", "connguard-failure-threshold", "connguard-failure-window",
	"connguard-block-duration", "connguard-probe-timeout",
	"echo", "reload-every",
}

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := applyLogLevel(baseLogger)
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to rpcbridge",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg rpcbridge.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), logger, cfg, serveOptions{
				echo:        viper.GetBool("echo"),
				reloadEvery: viper.GetDuration("reload-every"),
			})
		},
	}

	flags := cmd.Flags()
	flags.String("listen", rpcbridge.DefaultListen, "listen address (host:port; port 0 picks a free port)")
	flags.Bool("allow-all-interfaces", false, "permit wildcard listen hosts such as 0.0.0.0")
	flags.String("max-payload", humanizeBytes(rpcbridge.DefaultMaxPayloadBytes), "maximum request and response body size")
	flags.Duration("request-timeout", rpcbridge.DefaultRequestTimeout, "bound on each wait: for the consumer to become available and for its reply")
	flags.Duration("poll-interval", rpcbridge.DefaultPollInterval, "how often a waiting request re-checks availability and the reply slot")
	flags.Duration("unload-grace", rpcbridge.DefaultUnloadGrace, "best-effort wait for the listener during forced unload")
	flags.Duration("shutdown-timeout", rpcbridge.DefaultShutdownTimeout, "upper bound on graceful stop")
	flags.Duration("read-header-timeout", rpcbridge.DefaultReadHeaderTimeout, "time allowed for a client to send request headers")
	flags.Int("max-connections", rpcbridge.DefaultMaxConnections, "maximum open client connections (negative disables the cap)")
	flags.String("bearer-key", "", "require \"Authorization: Bearer <key>\" on every request")
	flags.String("tls-cert", "", "server certificate PEM file (enables HTTPS)")
	flags.String("tls-key", "", "server private key PEM file")
	flags.String("status-path", rpcbridge.DefaultStatusPath, "status route path")
	flags.Bool("disable-status", false, "do not serve the status route")
	flags.String("metrics-listen", rpcbridge.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", rpcbridge.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard", false, "block hosts that repeatedly fail handshakes or authentication")
	flags.Int("connguard-failure-threshold", rpcbridge.DefaultConnGuardFailureThreshold, "failures before a host is blocked")
	flags.Duration("connguard-failure-window", rpcbridge.DefaultConnGuardFailureWindow, "window used to count failures")
	flags.Duration("connguard-block-duration", rpcbridge.DefaultConnGuardBlockDuration, "how long a blocked host stays blocked")
	flags.Duration("connguard-probe-timeout", rpcbridge.DefaultConnGuardProbeTimeout, "timeout for classifying a new connection")
	flags.Bool("echo", false, "answer requests with a built-in echo consumer")
	flags.Duration("reload-every", 0, "with --echo, unload and restart the bridge and consumer on this interval")

	for _, name := range serveFlagNames {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %q: %v", name, err))
		}
	}
	return cmd
}

func bindConfig(cfg *rpcbridge.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.AllowAllInterfaces = viper.GetBool("allow-all-interfaces")
	if maxPayload := strings.TrimSpace(viper.GetString("max-payload")); maxPayload != "" {
		size, err := humanize.ParseBytes(maxPayload)
		if err != nil {
			return fmt.Errorf("parse max-payload: %w", err)
		}
		cfg.MaxPayloadBytes = int64(size)
	}
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.UnloadGrace = viper.GetDuration("unload-grace")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.BearerKey = viper.GetString("bearer-key")
	cfg.TLSCertFile = viper.GetString("tls-cert")
	cfg.TLSKeyFile = viper.GetString("tls-key")
	cfg.StatusPath = viper.GetString("status-path")
	cfg.DisableStatus = viper.GetBool("disable-status")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnGuardEnabled = viper.GetBool("connguard")
	cfg.ConnGuardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnGuardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnGuardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnGuardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	return nil
}

type serveOptions struct {
	echo        bool
	reloadEvery time.Duration
	// ready, when set, receives the server once it listens.
	ready func(*rpcbridge.Server)
}

// runServe starts the bridge and blocks until ctx ends. With echo set the
// built-in consumer answers requests; reloadEvery additionally simulates a
// host reload by unloading and restarting the bridge and its consumer.
func runServe(ctx context.Context, logger pslog.Logger, cfg rpcbridge.Config, opts serveOptions) error {
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	srv, err := rpcbridge.NewServer(cfg, rpcbridge.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.Config().ShutdownTimeout)
		defer cancel()
		if err := srv.Close(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()
	if err := srv.Start(); err != nil {
		return err
	}
	cliLogger.Info("bridge ready",
		"address", srv.ListenerAddr().String(),
		"max_payload", humanizeBytes(srv.Config().MaxPayloadBytes),
		"request_timeout", srv.Config().RequestTimeout,
		"echo", opts.echo,
	)
	if opts.ready != nil {
		opts.ready(srv)
	}

	if !opts.echo {
		<-ctx.Done()
		return nil
	}

	stopConsumer := startEcho(ctx, srv, logger)
	defer func() { stopConsumer() }()
	if opts.reloadEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(opts.reloadEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		stopConsumer()
		srv.Unload()
		if err := srv.Start(); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		cliLogger.Info("bridge reloaded", "address", srv.ListenerAddr().String())
		stopConsumer = startEcho(ctx, srv, logger)
	}
}

func startEcho(ctx context.Context, srv *rpcbridge.Server, logger pslog.Logger) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = consumer.Loop(loopCtx, srv, consumer.Config{
			Handler:      consumer.Echo(),
			PollInterval: consumer.DefaultPollInterval,
			Logger:       logger,
		})
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
