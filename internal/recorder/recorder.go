// Package recorder writes one CSV row per sampling tick, merging traffic
// counters with resource readings for the duration of a load test.
package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/sampler"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// FilePrefix starts the name of every metrics file.
const FilePrefix = "metrics_memory_scalability_"

var (
	// ErrAlreadyStarted is returned by Start on a recording Recorder.
	ErrAlreadyStarted = errors.New("recorder already started")
	// ErrClosed is returned by Start after Stop.
	ErrClosed = errors.New("recorder closed")
	// ErrLocked means every candidate metrics file is held by another
	// recorder or already exists.
	ErrLocked = errors.New("metrics file is locked by another recorder")
)

// State is the recorder lifecycle.
type State int

const (
	Idle State = iota
	Recording
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatsProvider exposes the live traffic counters.
type StatsProvider interface {
	Snapshot() metrics.TrafficStats
}

// ResourceProvider reads the resource fields for one tick.
type ResourceProvider interface {
	Sample(ctx context.Context) sampler.Sample
}

// TargetResolver is implemented by resource providers that locate their
// target process once. Start resolves it before the first tick.
type TargetResolver interface {
	ResolveTarget(ctx context.Context) (pid int32, ok bool)
}

// Sink receives every row after it is flushed. Sinks run on the sampling
// goroutine and must return quickly.
type Sink interface {
	Observe(row MetricRow)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(MetricRow)

func (f SinkFunc) Observe(row MetricRow) { f(row) }

// MinTickTimeout bounds a tick's reads from below so a short interval never
// cuts the CPU window off.
const MinTickTimeout = 5 * sampler.DefaultCPUWindow

// Options configure a Recorder.
type Options struct {
	Dir      string
	Interval time.Duration
	// TickTimeout bounds the reads of one tick. It is raised to the larger
	// of Interval and MinTickTimeout.
	TickTimeout time.Duration
	RunID       string
	Sinks       []Sink
	Logger      *zap.Logger
	Now         func() time.Time
}

// Recorder owns the metrics file for one run.
type Recorder struct {
	stats     StatsProvider
	resources ResourceProvider
	opt       Options

	mu       sync.Mutex
	state    State
	start    time.Time
	path     string
	file     *os.File
	lock     *flock.Flock
	csv      *csv.Writer
	rows     int
	done     chan struct{}
	finished chan struct{}
}

// New returns an Idle recorder. resources may be nil, in which case resource
// fields are recorded as zero.
func New(stats StatsProvider, resources ResourceProvider, opt Options) *Recorder {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	opt.TickTimeout = max(opt.TickTimeout, opt.Interval, MinTickTimeout)
	if opt.Dir == "" {
		opt.Dir = "."
	}
	if opt.RunID == "" {
		opt.RunID = ulid.Make().String()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Recorder{stats: stats, resources: resources, opt: opt}
}

// RunID identifies the run in logs and summaries.
func (r *Recorder) RunID() string { return r.opt.RunID }

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Path is the metrics file, empty until Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Rows reports how many data rows have been written.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// FileName returns the metrics file name for a run started at t.
func FileName(t time.Time) string {
	return FilePrefix + t.Format("20060102_150405") + ".csv"
}

// create claims a fresh metrics file. A name already used in the same second
// falls back to one carrying the run id; an existing file is never truncated.
func (r *Recorder) create(start time.Time) (string, *os.File, *flock.Flock, error) {
	names := []string{
		FileName(start),
		strings.TrimSuffix(FileName(start), ".csv") + "_" + r.opt.RunID + ".csv",
	}
	for _, name := range names {
		path := filepath.Join(r.opt.Dir, name)
		lock := flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return "", nil, nil, fmt.Errorf("lock metrics file: %w", err)
		}
		if !locked {
			continue
		}
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			r.releaseLock(lock)
			continue
		}
		if err != nil {
			r.releaseLock(lock)
			return "", nil, nil, fmt.Errorf("open metrics file: %w", err)
		}
		return path, file, lock, nil
	}
	return "", nil, nil, ErrLocked
}

// Start opens the metrics file, writes the header and begins sampling. The
// loop ends when ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Recording:
		return ErrAlreadyStarted
	case Closed:
		return ErrClosed
	}

	if res, ok := r.resources.(TargetResolver); ok {
		res.ResolveTarget(ctx)
	}

	if err := os.MkdirAll(r.opt.Dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	start := r.opt.Now()
	path, file, lock, err := r.create(start)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	if err := w.Write(Header); err == nil {
		w.Flush()
	}
	if err := w.Error(); err != nil {
		_ = file.Close()
		r.releaseLock(lock)
		return fmt.Errorf("write header: %w", err)
	}

	r.start = start
	r.path = path
	r.file = file
	r.lock = lock
	r.csv = w
	r.done = make(chan struct{})
	r.finished = make(chan struct{})
	r.state = Recording

	r.opt.Logger.Info("metrics recorder started",
		zap.String("run_id", r.opt.RunID),
		zap.String("path", path),
		zap.Duration("interval", r.opt.Interval))

	go r.run(ctx)
	return nil
}

// Stop halts sampling, waits for a tick in progress to finish and closes the
// file. Stop before Start, or after a previous Stop, does nothing.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil
	}
	r.state = Closed
	close(r.done)
	finished := r.finished
	r.mu.Unlock()

	<-finished

	r.mu.Lock()
	defer r.mu.Unlock()
	r.csv.Flush()
	err := errors.Join(r.csv.Error(), r.file.Close())
	r.releaseLock(r.lock)
	r.opt.Logger.Info("metrics recorder stopped",
		zap.String("run_id", r.opt.RunID),
		zap.Int("rows", r.rows))
	return err
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.finished)
	ticker := time.NewTicker(r.opt.Interval)
	defer ticker.Stop()

	// A tick that has started is finished even if the run is cancelled, so the
	// last row is never torn.
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Stop wins over a tick that became due at the same time.
			select {
			case <-r.done:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			r.tick(tickCtx)
		}
	}
}

func (r *Recorder) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.opt.TickTimeout)
	defer cancel()

	now := r.opt.Now()
	row := MetricRow{Timestamp: now, Elapsed: now.Sub(r.start)}
	if r.stats != nil {
		s := r.stats.Snapshot()
		row.ActiveUsers = s.ActiveUsers
		row.TotalRequests = s.TotalRequests
		row.RequestsPerSec = s.RequestsPerSec
	}
	if r.resources != nil {
		s := r.resources.Sample(ctx)
		row.MemoryMB = s.MemoryMB
		row.MemoryPercent = s.MemoryPercent
		row.CPUPercent = s.CPUPercent
		row.Entities = s.Rows
	}

	if err := r.csv.Write(row.Record()); err == nil {
		r.csv.Flush()
	}
	if err := r.csv.Error(); err != nil {
		r.opt.Logger.Error("write metrics row", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.rows++
	r.mu.Unlock()

	for _, sink := range r.opt.Sinks {
		sink.Observe(row)
	}
}

func (r *Recorder) releaseLock(lock *flock.Flock) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		r.opt.Logger.Warn("unlock metrics file", zap.Error(err))
	}
	_ = os.Remove(lock.Path())
}
