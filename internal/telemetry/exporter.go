// Package telemetry exposes the recorder's latest row and the task outcome
// counters in the Prometheus text format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

const namespace = "loadscope"

// TaskSource reports task outcome counters.
type TaskSource interface {
	Tasks() map[string]metrics.TaskStats
}

// Exporter is a recorder.Sink backed by its own Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	activeUsers   prometheus.Gauge
	requests      prometheus.Counter
	rps           prometheus.Gauge
	memoryMB      prometheus.Gauge
	memoryPercent prometheus.Gauge
	cpuPercent    prometheus.Gauge
	entities      prometheus.Gauge
	ticks         prometheus.Counter
	lastTick      prometheus.Gauge

	mu        sync.Mutex
	lastTotal int64
}

// NewExporter registers the gauges for one run. tasks may be nil.
func NewExporter(runID string, tasks TaskSource) *Exporter {
	labels := prometheus.Labels{"run_id": runID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}

	e := &Exporter{
		registry:      prometheus.NewRegistry(),
		activeUsers:   gauge("active_users", "Virtual users currently running."),
		requests:      counter("requests_total", "HTTP requests issued by virtual users."),
		rps:           gauge("requests_per_second", "Requests per second over the recent window."),
		memoryMB:      gauge("target_memory_megabytes", "Resident memory of the target process."),
		memoryPercent: gauge("target_memory_percent", "Resident memory as a percentage of system memory."),
		cpuPercent:    gauge("target_cpu_percent", "CPU usage of the target process."),
		entities:      gauge("entities", "Rows in the application's entity table."),
		ticks:         counter("ticks_total", "Sampling ticks recorded."),
		lastTick:      gauge("last_tick_timestamp_seconds", "Unix time of the latest sampling tick."),
	}
	e.registry.MustRegister(
		e.activeUsers, e.requests, e.rps, e.memoryMB, e.memoryPercent,
		e.cpuPercent, e.entities, e.ticks, e.lastTick,
	)
	if tasks != nil {
		e.registry.MustRegister(newTaskCollector(tasks, labels))
	}
	return e
}

// Observe updates every gauge from row.
func (e *Exporter) Observe(row recorder.MetricRow) {
	e.activeUsers.Set(float64(row.ActiveUsers))
	e.rps.Set(row.RequestsPerSec)
	e.memoryMB.Set(row.MemoryMB)
	e.memoryPercent.Set(row.MemoryPercent)
	e.cpuPercent.Set(row.CPUPercent)
	e.entities.Set(float64(row.Entities))
	e.lastTick.Set(float64(row.Timestamp.UnixNano()) / 1e9)
	e.ticks.Inc()

	e.mu.Lock()
	if delta := row.TotalRequests - e.lastTotal; delta > 0 {
		e.requests.Add(float64(delta))
		e.lastTotal = row.TotalRequests
	}
	e.mu.Unlock()
}

func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Listen binds addr so a bad address fails before the run starts.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("prometheus listener: %w", err)
	}
	return ln, nil
}

// Serve exposes /metrics on ln until ctx is done. The listener is closed on
// return.
func (e *Exporter) Serve(ctx context.Context, ln net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving prometheus metrics", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// taskCollector reads task outcomes at scrape time.
type taskCollector struct {
	source TaskSource
	desc   *prometheus.Desc
}

func newTaskCollector(source TaskSource, labels prometheus.Labels) *taskCollector {
	return &taskCollector{
		source: source,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "task_outcomes_total"),
			"Virtual user task executions by outcome.",
			[]string{"task", "outcome"}, labels,
		),
	}
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	tasks := c.source.Tasks()
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := tasks[name]
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(t.Successes), name, "success")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(t.Failures), name, "failure")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(t.Skipped), name, "skipped")
	}
}
