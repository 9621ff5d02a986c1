package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge"
	"pkt.systems/rpcbridge/client"
	"pkt.systems/rpcbridge/consumer"
)

type benchConfig struct {
	mode           string
	ops            int
	concurrency    int
	payloadBytes   int
	logLevel       string
	logPath        string
	gomaxprocs     int
	cpuProfile     string
	memProfile     string
	warmupRuns     int
	runs           int
	endpoint       string
	bearer         string
	httpTimeout    time.Duration
	requestTimeout time.Duration
	pollInterval   time.Duration
	consumerPoll   time.Duration
}

func main() {
	cfg := benchConfig{
		mode:           "call",
		ops:            2000,
		concurrency:    8,
		payloadBytes:   256,
		logLevel:       "error",
		warmupRuns:     1,
		runs:           3,
		requestTimeout: rpcbridge.DefaultRequestTimeout,
		pollInterval:   time.Millisecond,
		consumerPoll:   time.Millisecond,
	}
	flag.StringVar(&cfg.mode, "mode", cfg.mode, "bench mode: call (JSON-RPC round trips) or status (status route)")
	flag.IntVar(&cfg.ops, "ops", cfg.ops, "number of operations to run")
	flag.IntVar(&cfg.concurrency, "concurrency", cfg.concurrency, "number of concurrent workers")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", cfg.payloadBytes, "size of the params string carried by each call")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (trace,debug,info,warn,error,disabled)")
	flag.StringVar(&cfg.logPath, "log-path", cfg.logPath, "log output path (default stderr)")
	flag.IntVar(&cfg.gomaxprocs, "gomaxprocs", 0, "override GOMAXPROCS (0 uses default)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.IntVar(&cfg.warmupRuns, "warmup", cfg.warmupRuns, "number of warmup runs (excluded from summary)")
	flag.IntVar(&cfg.runs, "runs", cfg.runs, "number of measured runs (summary is median)")
	flag.StringVar(&cfg.endpoint, "endpoint", "", "bridge endpoint (when set, uses an existing bridge and consumer instead of in-process)")
	flag.StringVar(&cfg.bearer, "bearer", "", "bearer key for -endpoint")
	flag.DurationVar(&cfg.httpTimeout, "http-timeout", 0, "HTTP client timeout (0 uses client default)")
	flag.DurationVar(&cfg.requestTimeout, "request-timeout", cfg.requestTimeout, "bridge request timeout (in-process only)")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", cfg.pollInterval, "bridge poll interval (in-process only)")
	flag.DurationVar(&cfg.consumerPoll, "consumer-poll", cfg.consumerPoll, "echo consumer poll interval (in-process only)")
	flag.Parse()

	if err := validateConfig(cfg); err != nil {
		die("%v", err)
	}
	if cfg.gomaxprocs > 0 {
		runtime.GOMAXPROCS(cfg.gomaxprocs)
	}

	logger, closeLog := newBenchLogger(cfg)
	defer closeLog()

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			die("cpuprofile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			die("cpuprofile start: %v", err)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli, stop, err := newBenchTarget(ctx, cfg, logger)
	if err != nil {
		die("start target: %v", err)
	}
	defer stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	_, err = cli.WaitAvailable(waitCtx, 10*time.Millisecond)
	waitCancel()
	if err != nil && cfg.mode == "call" {
		die("consumer never became available: %v", err)
	}

	payload := buildPayload(cfg.payloadBytes)
	for i := 0; i < cfg.warmupRuns; i++ {
		run := runBenchOnce(ctx, cli, payload, cfg)
		printBenchRun(os.Stdout, cfg, fmt.Sprintf("warmup=%d", i+1), run)
	}
	runs := make([]benchRun, 0, cfg.runs)
	for i := 0; i < cfg.runs; i++ {
		run := runBenchOnce(ctx, cli, payload, cfg)
		printBenchRun(os.Stdout, cfg, fmt.Sprintf("run=%d", i+1), run)
		runs = append(runs, run)
	}
	fmt.Println("summary (median of runs):")
	printBenchSummary(os.Stdout, runs)

	if cfg.memProfile != "" {
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			die("memprofile: %v", err)
		}
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			die("memprofile write: %v", err)
		}
		_ = f.Close()
	}
}

func validateConfig(cfg benchConfig) error {
	switch {
	case cfg.mode != "call" && cfg.mode != "status":
		return fmt.Errorf("mode must be call or status, got %q", cfg.mode)
	case cfg.ops <= 0:
		return fmt.Errorf("ops must be > 0")
	case cfg.concurrency <= 0:
		return fmt.Errorf("concurrency must be > 0")
	case cfg.runs <= 0:
		return fmt.Errorf("runs must be > 0")
	case cfg.warmupRuns < 0:
		return fmt.Errorf("warmup must be >= 0")
	case cfg.payloadBytes < 0:
		return fmt.Errorf("payload-bytes must be >= 0")
	}
	return nil
}

// newBenchTarget returns a client for cfg.endpoint, or starts an in-process
// bridge with an echo consumer when no endpoint is set.
func newBenchTarget(ctx context.Context, cfg benchConfig, logger pslog.Logger) (*client.Client, func(), error) {
	clientOpts := []client.Option{
		client.WithBearer(cfg.bearer),
		client.WithHTTPTimeout(cfg.httpTimeout),
		client.WithLogger(logger),
	}
	if strings.TrimSpace(cfg.endpoint) != "" {
		cli, err := client.New(cfg.endpoint, clientOpts...)
		if err != nil {
			return nil, nil, err
		}
		return cli, func() {}, nil
	}

	srv, stopServer, err := rpcbridge.StartServer(ctx, rpcbridge.Config{
		Listen:          "127.0.0.1:0",
		RequestTimeout:  cfg.requestTimeout,
		PollInterval:    cfg.pollInterval,
		MaxConnections:  -1,
		MaxPayloadBytes: int64(cfg.payloadBytes) + rpcbridge.DefaultMaxPayloadBytes,
	}, rpcbridge.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = consumer.Loop(consumerCtx, srv, consumer.Config{
			Handler:      consumer.Echo(),
			PollInterval: cfg.consumerPoll,
			Logger:       logger,
		})
	}()
	stop := func() {
		stopConsumer()
		wg.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopServer(shutdownCtx)
	}
	cli, err := client.New("http://"+srv.ListenerAddr().String()+"/", clientOpts...)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return cli, stop, nil
}

func newBenchLogger(cfg benchConfig) (pslog.Logger, func()) {
	levelStr := strings.TrimSpace(cfg.logLevel)
	if levelStr == "" {
		return pslog.NoopLogger(), func() {}
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		die("log-level: invalid value %q", levelStr)
	}
	if level == pslog.Disabled || level == pslog.NoLevel {
		return pslog.NoopLogger(), func() {}
	}
	var (
		writer  = os.Stderr
		cleanup = func() {}
	)
	if strings.TrimSpace(cfg.logPath) != "" {
		path, err := filepath.Abs(cfg.logPath)
		if err != nil {
			die("log-path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			die("log-path mkdir: %v", err)
		}
		f, err := os.Create(path)
		if err != nil {
			die("log-path create: %v", err)
		}
		writer = f
		cleanup = func() { _ = f.Close() }
	}
	return pslog.NewStructured(writer).LogLevel(level), cleanup
}

func die(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}
