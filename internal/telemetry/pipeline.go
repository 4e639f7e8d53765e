// Package telemetry implements the Metrics Pipeline (C8): a wait-free
// enqueue from the evaluator's hot path, a background aggregator, and a
// batched flush to the Remote store.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is one enqueued evaluation event.
type Record struct {
	FlagName  string
	Operation string
	Duration  time.Duration
	Success   bool
}

// Remote is the subset of the Remote Store the pipeline needs to flush
// into; internal/store.Remote satisfies it.
type Remote interface {
	IncrCount(ctx context.Context, key string, delta int64, ttl time.Duration) error
	IncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Configured() bool
}

const ringCap = 1000

// metricTTL is the 7-day TTL spec.md §4.8/§6 mandates for every metrics
// key.
const metricTTL = 7 * 24 * time.Hour

// Config controls flush cadence (spec.md §4.8, §6 defaults).
type Config struct {
	Enabled       bool
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns spec.md's defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, BatchSize: 100, FlushInterval: 60 * time.Second}
}

type flagStats struct {
	usageCount     int64
	pending        int64
	flushedCounts  int64
	durations      map[string][]float64 // per-operation ring, cap ringCap
}

// Pipeline is the C8 Metrics Pipeline. Callers call Record from the hot
// path; it never blocks on I/O and never returns an error the evaluator
// must handle.
type Pipeline struct {
	cfg    Config
	remote Remote
	log    *slog.Logger

	queue chan Record

	mu    sync.Mutex
	stats map[string]*flagStats

	totalPending int64
	lastFlush    time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Pipeline. remote may be nil/unconfigured: flushing then
// degrades to a no-op and counters simply accumulate in memory.
func New(cfg Config, remote Remote, log *slog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		remote:    remote,
		log:       log,
		queue:     make(chan Record, 4096),
		stats:     make(map[string]*flagStats),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Record enqueues an evaluation event. Wait-free from the caller's
// perspective: it either lands in the buffered channel or, on a full
// buffer under extreme load, is dropped rather than blocking the
// evaluator (spec.md §5: "never blocks on I/O").
func (p *Pipeline) Record(name, op string, d time.Duration, success bool) {
	if !p.cfg.Enabled {
		return
	}
	select {
	case p.queue <- Record{FlagName: name, Operation: op, Duration: d, Success: success}:
	default:
		p.log.Debug("metrics queue full, dropping record", "flag", name)
	}
}

// Run starts the background aggregator. It blocks until ctx is cancelled
// or Stop is called.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case rec := <-p.queue:
			p.aggregate(rec)
			if p.shouldFlush() {
				p.flush(ctx)
			}
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// Stop halts the aggregator and waits for it to exit.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pipeline) aggregate(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[rec.FlagName]
	if !ok {
		st = &flagStats{durations: make(map[string][]float64)}
		p.stats[rec.FlagName] = st
	}
	st.usageCount++
	st.pending++
	p.totalPending++

	ring := st.durations[rec.Operation]
	ring = append(ring, float64(rec.Duration.Milliseconds()))
	if len(ring) > ringCap {
		ring = ring[len(ring)-ringCap:]
	}
	st.durations[rec.Operation] = ring
}

func (p *Pipeline) shouldFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalPending >= int64(p.cfg.BatchSize)
}

// flush implements the §4.8 flush policy: copy-and-clear pending and the
// duration rings, then push INCRBY/INCRBYFLOAT to Remote with a 7-day TTL.
// If Remote is unavailable, flushing is a no-op and counters accumulate.
func (p *Pipeline) flush(ctx context.Context) {
	if !p.cfg.Enabled || p.remote == nil || !p.remote.Configured() {
		return
	}

	type batchEntry struct {
		name       string
		count      int64
		durations  map[string][]float64
	}

	p.mu.Lock()
	batch := make([]batchEntry, 0, len(p.stats))
	for name, st := range p.stats {
		if st.pending == 0 && len(st.durations) == 0 {
			continue
		}
		entry := batchEntry{name: name, count: st.pending, durations: st.durations}
		batch = append(batch, entry)
		st.flushedCounts += st.pending
		st.pending = 0
		st.durations = make(map[string][]float64)
	}
	p.totalPending = 0
	p.lastFlush = time.Now()
	p.mu.Unlock()

	for _, entry := range batch {
		if entry.count > 0 {
			if err := p.remote.IncrCount(ctx, statsKey(entry.name), entry.count, metricTTL); err != nil {
				p.log.Warn("metrics flush failed", "flag", entry.name, "error", err)
				continue
			}
		}
		for op, durations := range entry.durations {
			if len(durations) == 0 {
				continue
			}
			var sum float64
			for _, d := range durations {
				sum += d
			}
			if err := p.remote.IncrFloat(ctx, durationSumKey(entry.name, op), sum, metricTTL); err != nil {
				p.log.Warn("metrics duration flush failed", "flag", entry.name, "op", op, "error", err)
				continue
			}
			if err := p.remote.IncrCount(ctx, durationCountKey(entry.name, op), int64(len(durations)), metricTTL); err != nil {
				p.log.Warn("metrics duration count flush failed", "flag", entry.name, "op", op, "error", err)
			}
		}
	}
}

func statsKey(name string) string        { return "magick:stats:" + name }
func durationSumKey(name, op string) string   { return "magick:duration:sum:" + name + ":" + op }
func durationCountKey(name, op string) string { return "magick:duration:count:" + name + ":" + op }

// UsageCount returns remote_count + (local_count - flushed_local), per
// §4.8's double-counting-safe formula.
func (p *Pipeline) UsageCount(ctx context.Context, name string) (int64, error) {
	p.mu.Lock()
	st, ok := p.stats[name]
	var local, flushed int64
	if ok {
		local, flushed = st.usageCount, st.flushedCounts
	}
	p.mu.Unlock()

	var remote int64
	if p.remote != nil && p.remote.Configured() {
		v, err := p.remote.Get(ctx, statsKey(name))
		if err != nil {
			return 0, err
		}
		if v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				remote = n
			}
		}
	}
	return remote + (local - flushed), nil
}

// AverageDuration returns the mean duration (ms) recorded for (name, op),
// combining the unflushed local ring with the remote sum/count pair.
func (p *Pipeline) AverageDuration(ctx context.Context, name, op string) (float64, error) {
	p.mu.Lock()
	var localSum float64
	var localCount int
	if st, ok := p.stats[name]; ok {
		for _, d := range st.durations[op] {
			localSum += d
			localCount++
		}
	}
	p.mu.Unlock()

	remoteSum, remoteCount := 0.0, int64(0)
	if p.remote != nil && p.remote.Configured() {
		sumStr, err := p.remote.Get(ctx, durationSumKey(name, op))
		if err != nil {
			return 0, err
		}
		if sumStr != "" {
			remoteSum, _ = strconv.ParseFloat(sumStr, 64)
		}
		countStr, err := p.remote.Get(ctx, durationCountKey(name, op))
		if err != nil {
			return 0, err
		}
		if countStr != "" {
			remoteCount, _ = strconv.ParseInt(countStr, 10, 64)
		}
	}

	totalSum := localSum + remoteSum
	totalCount := int64(localCount) + remoteCount
	if totalCount == 0 {
		return 0, nil
	}
	return totalSum / float64(totalCount), nil
}

// MostUsedFeatures sorts flags descending by usage_count and truncates to
// limit.
func (p *Pipeline) MostUsedFeatures(ctx context.Context, limit int) ([]string, error) {
	p.mu.Lock()
	names := make([]string, 0, len(p.stats))
	for name := range p.stats {
		names = append(names, name)
	}
	p.mu.Unlock()

	if p.remote != nil && p.remote.Configured() {
		keys, err := p.remote.Keys(ctx, "magick:stats:*")
		if err == nil {
			for _, k := range keys {
				name := strings.TrimPrefix(k, "magick:stats:")
				if name == k {
					continue
				}
				if !containsName(names, name) {
					names = append(names, name)
				}
			}
		}
	}

	type counted struct {
		name  string
		count int64
	}
	counts := make([]counted, 0, len(names))
	for _, name := range names {
		c, err := p.UsageCount(ctx, name)
		if err != nil {
			continue
		}
		counts = append(counts, counted{name: name, count: c})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].count > counts[j].count })

	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	out := make([]string, len(counts))
	for i, c := range counts {
		out[i] = c.name
	}
	return out, nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
