package output

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

// TrafficSource supplies the live request counters.
type TrafficSource interface {
	Snapshot() metrics.TrafficStats
}

// ProgressReporter displays real-time progress updates. It also acts as a
// recorder sink so the latest resource sample is shown next to the traffic.
type ProgressReporter struct {
	traffic  TrafficSource
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32

	mu     sync.Mutex
	latest recorder.MetricRow
	seen   bool
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(traffic TrafficSource, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressReporter{
		traffic:  traffic,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Observe keeps the most recent resource row for the next progress line.
func (p *ProgressReporter) Observe(row recorder.MetricRow) {
	p.mu.Lock()
	p.latest = row
	p.seen = true
	p.mu.Unlock()
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and terminates the current line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	snap := p.traffic.Snapshot()
	line := fmt.Sprintf("Users: %d | Requests: %d | Failures: %d | RPS: %.1f",
		snap.ActiveUsers, snap.TotalRequests, snap.TotalFailures, snap.RequestsPerSec)

	p.mu.Lock()
	row, seen := p.latest, p.seen
	p.mu.Unlock()
	if seen {
		line += fmt.Sprintf(" | Mem: %.1f MB | CPU: %.1f%% | Entities: %d",
			row.MemoryMB, row.CPUPercent, row.Entities)
	}
	return line
}
