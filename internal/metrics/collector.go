package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// TrafficStats is a point-in-time view of the live traffic counters.
type TrafficStats struct {
	ActiveUsers    int64   `json:"active_users"`
	TotalRequests  int64   `json:"total_requests"`
	TotalFailures  int64   `json:"total_failures"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// Collector records per-request and per-task outcomes in a thread-safe manner.
type Collector struct {
	now        func() time.Time
	windowSize int

	start       atomic.Int64 // unix nanos
	activeUsers atomic.Int64
	total       atomic.Int64
	failures    atomic.Int64
	window      atomic.Pointer[rateWindow]

	endpointsMu sync.RWMutex
	endpoints   map[string]*endpointRecorder

	tasksMu sync.RWMutex
	tasks   map[string]*taskCounters
}

type endpointRecorder struct {
	mu         sync.Mutex
	hist       *hdrhistogram.Histogram
	successes  int64
	failures   int64
	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
	reasons    map[string]int64
}

type taskCounters struct {
	successes atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64

	mu      sync.Mutex
	reasons map[string]int64
}

// Stats represents aggregated metrics for the end-of-run report.
type Stats struct {
	Total          int64                    `json:"total"`
	Successes      int64                    `json:"successes"`
	Failures       int64                    `json:"failures"`
	MinLatency     time.Duration            `json:"-"`
	MaxLatency     time.Duration            `json:"-"`
	MeanLatency    time.Duration            `json:"-"`
	P50Latency     time.Duration            `json:"-"`
	P90Latency     time.Duration            `json:"-"`
	P99Latency     time.Duration            `json:"-"`
	Duration       time.Duration            `json:"-"`
	RequestsPerSec float64                  `json:"requests_per_sec"`
	Endpoints      map[string]EndpointStats `json:"endpoints,omitempty"`
	Tasks          map[string]TaskStats     `json:"tasks,omitempty"`
	FailureBuckets []FailureBucket          `json:"failure_buckets,omitempty"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	DurationMs    float64 `json:"duration_ms"`
}

// EndpointStats summarises every request recorded under one name.
type EndpointStats struct {
	Total          int64            `json:"total"`
	Successes      int64            `json:"successes"`
	Failures       int64            `json:"failures"`
	RequestsPerSec float64          `json:"requests_per_sec"`
	MinLatency     time.Duration    `json:"-"`
	MaxLatency     time.Duration    `json:"-"`
	MeanLatency    time.Duration    `json:"-"`
	P50Latency     time.Duration    `json:"-"`
	P90Latency     time.Duration    `json:"-"`
	P99Latency     time.Duration    `json:"-"`
	MeanLatencyMs  float64          `json:"mean_latency_ms"`
	P50LatencyMs   float64          `json:"p50_latency_ms"`
	P90LatencyMs   float64          `json:"p90_latency_ms"`
	P99LatencyMs   float64          `json:"p99_latency_ms"`
	Reasons        map[string]int64 `json:"reasons,omitempty"`
}

// TaskStats counts the outcomes of one virtual user task.
type TaskStats struct {
	Successes int64            `json:"successes"`
	Failures  int64            `json:"failures"`
	Skipped   int64            `json:"skipped"`
	Reasons   map[string]int64 `json:"reasons,omitempty"`
}

func NewCollector() *Collector {
	return NewCollectorWithClock(time.Now)
}

// NewCollectorWithClock returns a Collector reading time from now; tests use it
// to drive the requests-per-second window deterministically.
func NewCollectorWithClock(now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	c := &Collector{
		now:        now,
		windowSize: DefaultRateWindow,
		endpoints:  make(map[string]*endpointRecorder),
		tasks:      make(map[string]*taskCounters),
	}
	c.Start()
	return c
}

// Start marks the beginning of the measured run and resets the rate window.
func (c *Collector) Start() {
	t := c.now()
	c.start.Store(t.UnixNano())
	c.window.Store(newRateWindow(t, c.windowSize))
}

// Elapsed returns the time since Start.
func (c *Collector) Elapsed() time.Duration {
	return c.now().Sub(time.Unix(0, c.start.Load()))
}

func (c *Collector) UserStarted() { c.activeUsers.Add(1) }
func (c *Collector) UserStopped() { c.activeUsers.Add(-1) }

// RecordRequest records a single HTTP request. A nil err is a success.
func (c *Collector) RecordRequest(name string, latency time.Duration, err error) {
	c.total.Add(1)
	if err != nil {
		c.failures.Add(1)
	}
	c.window.Load().add(c.now())

	rec := c.endpoint(name)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if latency > 0 {
		us := latency.Microseconds()
		if us < rec.hist.LowestTrackableValue() {
			us = rec.hist.LowestTrackableValue()
		}
		if us > rec.hist.HighestTrackableValue() {
			us = rec.hist.HighestTrackableValue()
		}
		_ = rec.hist.RecordValue(us)
	}
	rec.sumLatency += latency
	if rec.minLatency == 0 || latency < rec.minLatency {
		rec.minLatency = latency
	}
	if latency > rec.maxLatency {
		rec.maxLatency = latency
	}
	if err == nil {
		rec.successes++
		return
	}
	rec.failures++
	rec.reasons[FailureReason(err)]++
}

// RecordTask records the outcome of one task execution. A nil err is a success.
func (c *Collector) RecordTask(name string, err error) {
	tc := c.task(name)
	if err == nil {
		tc.successes.Add(1)
		return
	}
	tc.failures.Add(1)
	tc.mu.Lock()
	tc.reasons[FailureReason(err)]++
	tc.mu.Unlock()
}

// RecordSkip records a task invocation that found nothing to act on.
func (c *Collector) RecordSkip(name string) {
	c.task(name).skipped.Add(1)
}

// Snapshot returns the live traffic counters without locking.
func (c *Collector) Snapshot() TrafficStats {
	return TrafficStats{
		ActiveUsers:    c.activeUsers.Load(),
		TotalRequests:  c.total.Load(),
		TotalFailures:  c.failures.Load(),
		RequestsPerSec: c.window.Load().rate(c.now(), c.windowSize),
	}
}

func (c *Collector) endpoint(name string) *endpointRecorder {
	c.endpointsMu.RLock()
	rec, ok := c.endpoints[name]
	c.endpointsMu.RUnlock()
	if ok {
		return rec
	}

	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	if rec, ok = c.endpoints[name]; ok {
		return rec
	}
	// Track latencies from 1µs up to 60s with 3 significant figures.
	rec = &endpointRecorder{
		hist:    hdrhistogram.New(1, 60_000_000, 3),
		reasons: make(map[string]int64),
	}
	c.endpoints[name] = rec
	return rec
}

func (c *Collector) task(name string) *taskCounters {
	c.tasksMu.RLock()
	tc, ok := c.tasks[name]
	c.tasksMu.RUnlock()
	if ok {
		return tc
	}

	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	if tc, ok = c.tasks[name]; ok {
		return tc
	}
	tc = &taskCounters{reasons: make(map[string]int64)}
	c.tasks[name] = tc
	return tc
}

// Stats computes aggregated statistics over everything recorded so far.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	merged := hdrhistogram.New(1, 60_000_000, 3)
	stats := Stats{
		Endpoints: make(map[string]EndpointStats),
	}
	var sumLatency time.Duration
	failureBuckets := make(map[string]map[string]int)

	c.endpointsMu.RLock()
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	recs := make([]*endpointRecorder, len(names))
	for i, name := range names {
		recs[i] = c.endpoints[name]
	}
	c.endpointsMu.RUnlock()

	for i, rec := range recs {
		rec.mu.Lock()
		ep := EndpointStats{
			Total:      rec.successes + rec.failures,
			Successes:  rec.successes,
			Failures:   rec.failures,
			MinLatency: rec.minLatency,
			MaxLatency: rec.maxLatency,
		}
		if ep.Total > 0 {
			ep.MeanLatency = time.Duration(int64(rec.sumLatency) / ep.Total)
		}
		if rec.hist.TotalCount() > 0 {
			ep.P50Latency = time.Duration(rec.hist.ValueAtQuantile(50)) * time.Microsecond
			ep.P90Latency = time.Duration(rec.hist.ValueAtQuantile(90)) * time.Microsecond
			ep.P99Latency = time.Duration(rec.hist.ValueAtQuantile(99)) * time.Microsecond
		}
		merged.Merge(rec.hist)
		if len(rec.reasons) > 0 {
			ep.Reasons = make(map[string]int64, len(rec.reasons))
			failureBuckets[names[i]] = make(map[string]int, len(rec.reasons))
			for reason, n := range rec.reasons {
				ep.Reasons[reason] = n
				failureBuckets[names[i]][reason] = int(n)
			}
		}
		sumLatency += rec.sumLatency
		rec.mu.Unlock()

		if stats.MinLatency == 0 || (ep.MinLatency > 0 && ep.MinLatency < stats.MinLatency) {
			stats.MinLatency = ep.MinLatency
		}
		if ep.MaxLatency > stats.MaxLatency {
			stats.MaxLatency = ep.MaxLatency
		}
		stats.Successes += ep.Successes
		stats.Failures += ep.Failures

		ep.MeanLatencyMs = toMs(ep.MeanLatency)
		ep.P50LatencyMs = toMs(ep.P50Latency)
		ep.P90LatencyMs = toMs(ep.P90Latency)
		ep.P99LatencyMs = toMs(ep.P99Latency)
		if elapsed > 0 && ep.Total > 0 {
			ep.RequestsPerSec = float64(ep.Total) / elapsed.Seconds()
		}
		stats.Endpoints[names[i]] = ep
	}

	stats.Total = stats.Successes + stats.Failures
	if stats.Total > 0 {
		stats.MeanLatency = time.Duration(int64(sumLatency) / stats.Total)
	}
	if merged.TotalCount() > 0 {
		stats.P50Latency = time.Duration(merged.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(merged.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(merged.ValueAtQuantile(99)) * time.Microsecond
	}
	stats.FailureBuckets = FlattenFailureBuckets(failureBuckets)

	stats.Tasks = c.Tasks()

	stats.MinLatencyMs = toMs(stats.MinLatency)
	stats.MaxLatencyMs = toMs(stats.MaxLatency)
	stats.MeanLatencyMs = toMs(stats.MeanLatency)
	stats.P50LatencyMs = toMs(stats.P50Latency)
	stats.P90LatencyMs = toMs(stats.P90Latency)
	stats.P99LatencyMs = toMs(stats.P99Latency)

	stats.Duration = elapsed
	stats.DurationMs = toMs(elapsed)
	if elapsed > 0 && stats.Total > 0 {
		stats.RequestsPerSec = float64(stats.Total) / elapsed.Seconds()
	}
	return stats
}

// Tasks returns the outcome counters of every task recorded so far.
func (c *Collector) Tasks() map[string]TaskStats {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()
	out := make(map[string]TaskStats, len(c.tasks))
	for name, tc := range c.tasks {
		ts := TaskStats{
			Successes: tc.successes.Load(),
			Failures:  tc.failures.Load(),
			Skipped:   tc.skipped.Load(),
		}
		tc.mu.Lock()
		if len(tc.reasons) > 0 {
			ts.Reasons = make(map[string]int64, len(tc.reasons))
			for reason, n := range tc.reasons {
				ts.Reasons[reason] = n
			}
		}
		tc.mu.Unlock()
		out[name] = ts
	}
	return out
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
