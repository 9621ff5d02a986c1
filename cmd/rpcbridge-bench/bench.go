package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/rpcbridge/client"
)

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p95   time.Duration
	p99   time.Duration
	p999  time.Duration
}

type benchStats struct {
	label     string
	ops       int
	opsPerSec float64
	avg       time.Duration
	min       time.Duration
	max       time.Duration
	p50       time.Duration
	p90       time.Duration
	p95       time.Duration
	p99       time.Duration
	p999      time.Duration
	errs      int64
}

type benchRun struct {
	elapsed  time.Duration
	total    benchStats
	rpcErrs  int64
	firstErr error
}

// runBenchOnce issues cfg.ops operations from cfg.concurrency workers. Calls
// answered with a JSON-RPC error count as rpc errors, not transport errors,
// and are excluded from the latency samples.
func runBenchOnce(ctx context.Context, cli *client.Client, payload []byte, cfg benchConfig) benchRun {
	var (
		totalLat []time.Duration
		errs     atomic.Int64
		rpcErrs  atomic.Int64
		opsDone  atomic.Uint64
		mu       sync.Mutex
		firstErr error
		errOnce  sync.Once
	)
	recordErr := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for w := 0; w < cfg.concurrency; w++ {
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, cfg.ops/cfg.concurrency+1)
			for {
				idx := opsDone.Add(1) - 1
				if int(idx) >= cfg.ops {
					break
				}
				t0 := time.Now()
				if cfg.mode == "status" {
					if _, err := cli.Status(ctx); err != nil {
						recordErr(err)
						errs.Add(1)
						continue
					}
					local = append(local, time.Since(t0))
					continue
				}
				resp, err := cli.Call(ctx, buildRequest(idx, payload))
				if err != nil {
					recordErr(err)
					errs.Add(1)
					continue
				}
				if rpcErr := resp.RPCError(); rpcErr != nil {
					recordErr(rpcErr)
					rpcErrs.Add(1)
					continue
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			totalLat = append(totalLat, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	return benchRun{
		elapsed:  elapsed,
		total:    buildStats(cfg.mode, elapsed, totalLat, errs.Load()+rpcErrs.Load()),
		rpcErrs:  rpcErrs.Load(),
		firstErr: firstErr,
	}
}

func buildRequest(idx uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 64)
	fmt.Fprintf(&buf, `{"jsonrpc":"2.0","method":"bench.echo","params":[%s],"id":%d}`, payload, idx)
	return buf.Bytes()
}

// buildPayload returns a JSON string literal whose content is size bytes.
func buildPayload(size int) []byte {
	if size < 0 {
		size = 0
	}
	payload, err := json.Marshal(string(bytes.Repeat([]byte("x"), size)))
	if err != nil {
		return []byte(`""`)
	}
	return payload
}

func buildStats(label string, elapsed time.Duration, samples []time.Duration, errs int64) benchStats {
	summary := summarize(samples)
	opsPerSec := 0.0
	if elapsed > 0 {
		opsPerSec = float64(summary.count) / elapsed.Seconds()
	}
	return benchStats{
		label:     label,
		ops:       summary.count,
		opsPerSec: opsPerSec,
		avg:       summary.avg,
		min:       summary.min,
		max:       summary.max,
		p50:       summary.p50,
		p90:       summary.p90,
		p95:       summary.p95,
		p99:       summary.p99,
		p999:      summary.p999,
		errs:      errs,
	}
}

func printBenchRun(out io.Writer, cfg benchConfig, runLabel string, run benchRun) {
	fmt.Fprintf(out, "bench mode=%s %s ops=%d concurrency=%d payload_bytes=%d elapsed=%s rpc_errors=%d\n",
		cfg.mode, runLabel, cfg.ops, cfg.concurrency, cfg.payloadBytes, run.elapsed.Truncate(time.Millisecond), run.rpcErrs)
	if run.firstErr != nil {
		fmt.Fprintf(out, "first_error=%v\n", run.firstErr)
	}
	printStats(out, run.total)
}

func printBenchSummary(out io.Writer, runs []benchRun) {
	if len(runs) == 0 {
		return
	}
	total := make([]benchStats, 0, len(runs))
	for _, run := range runs {
		total = append(total, run.total)
	}
	printStats(out, medianStats(runs[0].total.label, total))
}

func printStats(out io.Writer, stats benchStats) {
	fmt.Fprintf(out, "%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s p99.9=%s min=%s max=%s errors=%d\n",
		stats.label, stats.ops, stats.opsPerSec, stats.avg, stats.p50, stats.p90, stats.p95, stats.p99, stats.p999, stats.min, stats.max, stats.errs)
}

func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   time.Duration(int64(total) / int64(len(samples))),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p95:   percentile(samples, 95),
		p99:   percentile(samples, 99),
		p999:  percentile(samples, 99.9),
	}
}

func medianStats(label string, stats []benchStats) benchStats {
	if len(stats) == 0 {
		return benchStats{label: label}
	}
	durations := func(sel func(benchStats) time.Duration) time.Duration {
		values := make([]time.Duration, 0, len(stats))
		for _, s := range stats {
			values = append(values, sel(s))
		}
		return medianDuration(values)
	}
	ops := make([]int, 0, len(stats))
	rates := make([]float64, 0, len(stats))
	var errs int64
	for _, s := range stats {
		ops = append(ops, s.ops)
		rates = append(rates, s.opsPerSec)
		errs += s.errs
	}
	sort.Ints(ops)
	sort.Float64s(rates)
	return benchStats{
		label:     label,
		ops:       ops[len(ops)/2],
		opsPerSec: rates[len(rates)/2],
		avg:       durations(func(s benchStats) time.Duration { return s.avg }),
		min:       durations(func(s benchStats) time.Duration { return s.min }),
		max:       durations(func(s benchStats) time.Duration { return s.max }),
		p50:       durations(func(s benchStats) time.Duration { return s.p50 }),
		p90:       durations(func(s benchStats) time.Duration { return s.p90 }),
		p95:       durations(func(s benchStats) time.Duration { return s.p95 }),
		p99:       durations(func(s benchStats) time.Duration { return s.p99 }),
		p999:      durations(func(s benchStats) time.Duration { return s.p999 }),
		errs:      errs,
	}
}

func medianDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values[len(values)/2]
}

func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	idx := int(math.Round((pct / 100.0) * float64(len(samples)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
