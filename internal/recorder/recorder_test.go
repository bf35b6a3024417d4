package recorder_test

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
	"github.com/torosent/loadscope/internal/sampler"
)

// risingStats grows total requests on every snapshot.
type risingStats struct {
	total atomic.Int64
}

func (s *risingStats) Snapshot() metrics.TrafficStats {
	return metrics.TrafficStats{ActiveUsers: 3, TotalRequests: s.total.Add(7), RequestsPerSec: 2.5}
}

type fixedResources struct {
	sample sampler.Sample
	slow   time.Duration
}

func (f fixedResources) Sample(ctx context.Context) sampler.Sample {
	if f.slow > 0 {
		time.Sleep(f.slow)
	}
	return f.sample
}

// windowedResources reports CPU only if its measuring window runs to the end,
// the way a blocking CPU percent read does.
type windowedResources struct {
	window time.Duration
}

func (w windowedResources) Sample(ctx context.Context) sampler.Sample {
	select {
	case <-time.After(w.window):
		return sampler.Sample{Reading: sampler.Reading{CPUPercent: 42}}
	case <-ctx.Done():
		return sampler.Sample{}
	}
}

type countingLocator struct {
	calls atomic.Int32
}

func (l *countingLocator) Locate(context.Context) (int32, bool) {
	l.calls.Add(1)
	return 4242, true
}

type unresolvable struct{}

func (unresolvable) Locate(context.Context) (int32, bool) { return 0, false }

type busyProcess struct{}

func (busyProcess) Sample(context.Context, int32) sampler.Reading {
	return sampler.Reading{MemoryMB: 512, MemoryPercent: 10, CPUPercent: 90}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return records
}

func TestRecorderWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	var observed atomic.Int32
	rec := recorder.New(&risingStats{}, fixedResources{sample: sampler.Sample{
		Reading: sampler.Reading{MemoryMB: 100.456, MemoryPercent: 1.234, CPUPercent: 55.5},
		Rows:    12,
	}}, recorder.Options{
		Dir:      dir,
		Interval: 20 * time.Millisecond,
		Sinks:    []recorder.Sink{recorder.SinkFunc(func(recorder.MetricRow) { observed.Add(1) })},
	})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.State() != recorder.Recording {
		t.Fatalf("expected Recording, got %s", rec.State())
	}
	time.Sleep(210 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if rec.State() != recorder.Closed {
		t.Fatalf("expected Closed, got %s", rec.State())
	}

	if !strings.HasPrefix(filepath.Base(rec.Path()), recorder.FilePrefix) || filepath.Ext(rec.Path()) != ".csv" {
		t.Fatalf("unexpected file name %s", rec.Path())
	}
	records := readCSV(t, rec.Path())
	if strings.Join(records[0], ",") != strings.Join(recorder.Header, ",") {
		t.Fatalf("unexpected header %v", records[0])
	}
	rows := records[1:]
	if len(rows) != rec.Rows() {
		t.Fatalf("file has %d rows, recorder counted %d", len(rows), rec.Rows())
	}
	if len(rows) < 5 || len(rows) > 11 {
		t.Fatalf("expected about 10 rows for 10 ticks, got %d", len(rows))
	}
	if int(observed.Load()) != len(rows) {
		t.Fatalf("sinks saw %d rows, file has %d", observed.Load(), len(rows))
	}

	first := rows[0]
	if first[2] != "3" || first[4] != "2.50" || first[5] != "100.46" || first[6] != "1.23" || first[7] != "55.50" || first[8] != "12" {
		t.Fatalf("unexpected row %v", first)
	}
	if _, err := time.Parse(recorder.TimestampLayout, first[0]); err != nil {
		t.Fatalf("bad timestamp %q: %v", first[0], err)
	}

	var prevTotal int64
	var prevElapsed float64
	for _, row := range rows {
		total, _ := strconv.ParseInt(row[3], 10, 64)
		elapsed, _ := strconv.ParseFloat(row[1], 64)
		if total < prevTotal {
			t.Fatalf("Total_Requests decreased: %d after %d", total, prevTotal)
		}
		if elapsed < prevElapsed {
			t.Fatalf("elapsed went backwards: %v after %v", elapsed, prevElapsed)
		}
		prevTotal, prevElapsed = total, elapsed
	}

	if _, err := os.Stat(rec.Path() + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, stat err = %v", err)
	}
}

func TestRecorderUnresolvedTargetRecordsZeros(t *testing.T) {
	res := sampler.New(unresolvable{}, busyProcess{}, nil, nil)
	rec := recorder.New(&risingStats{}, res, recorder.Options{Dir: t.TempDir(), Interval: 15 * time.Millisecond})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	rows := readCSV(t, rec.Path())[1:]
	if len(rows) == 0 {
		t.Fatal("expected rows despite the unresolved target")
	}
	for _, row := range rows {
		for _, col := range []int{5, 6, 7} {
			if row[col] != "0.00" {
				t.Fatalf("expected zero resource fields, got %v", row)
			}
		}
	}
}

func TestRecorderShortIntervalKeepsCPUWindow(t *testing.T) {
	rec := recorder.New(&risingStats{}, windowedResources{window: sampler.DefaultCPUWindow}, recorder.Options{
		Dir:      t.TempDir(),
		Interval: 20 * time.Millisecond,
	})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	rows := readCSV(t, rec.Path())[1:]
	if len(rows) == 0 {
		t.Fatal("expected at least one row")
	}
	for _, row := range rows {
		if row[7] != "42.00" {
			t.Fatalf("CPU read was cut short: %v", row)
		}
	}
}

func TestRecorderResolvesTargetAtStart(t *testing.T) {
	loc := &countingLocator{}
	res := sampler.New(loc, busyProcess{}, nil, nil)
	rec := recorder.New(&risingStats{}, res, recorder.Options{Dir: t.TempDir(), Interval: time.Hour})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer rec.Stop()

	if rec.Rows() != 0 {
		t.Fatalf("expected no ticks yet, got %d rows", rec.Rows())
	}
	if loc.calls.Load() != 1 {
		t.Fatalf("expected the target resolved once at start, got %d lookups", loc.calls.Load())
	}
	res.Sample(context.Background())
	if loc.calls.Load() != 1 {
		t.Fatalf("sampling resolved the target again: %d lookups", loc.calls.Load())
	}
}

func TestRecorderStopBeforeStartIsNoop(t *testing.T) {
	rec := recorder.New(&risingStats{}, nil, recorder.Options{Dir: t.TempDir()})
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if rec.State() != recorder.Idle {
		t.Fatalf("expected Idle, got %s", rec.State())
	}
	if rec.Path() != "" {
		t.Fatal("no file should exist before Start")
	}
}

func TestRecorderLifecycleErrors(t *testing.T) {
	rec := recorder.New(&risingStats{}, nil, recorder.Options{Dir: t.TempDir(), Interval: time.Hour})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rec.Start(context.Background()); !errors.Is(err, recorder.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := rec.Start(context.Background()); !errors.Is(err, recorder.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if got := len(readCSV(t, rec.Path())); got != 1 {
		t.Fatalf("expected header only, got %d lines", got)
	}
}

func TestRecorderSameSecondFileNames(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	now := func() time.Time { return fixed }
	base := filepath.Join(dir, "metrics_memory_scalability_20250301_120000.csv")

	a := recorder.New(&risingStats{}, nil, recorder.Options{Dir: dir, Interval: time.Hour, Now: now, RunID: "run-a"})
	b := recorder.New(&risingStats{}, nil, recorder.Options{Dir: dir, Interval: time.Hour, Now: now, RunID: "run-b"})
	c := recorder.New(&risingStats{}, nil, recorder.Options{Dir: dir, Interval: time.Hour, Now: now, RunID: "run-b"})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()
	if a.Path() != base {
		t.Fatalf("Path() = %s, want %s", a.Path(), base)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	defer b.Stop()
	if want := filepath.Join(dir, "metrics_memory_scalability_20250301_120000_run-b.csv"); b.Path() != want {
		t.Fatalf("Path() = %s, want %s", b.Path(), want)
	}

	if err := c.Start(context.Background()); !errors.Is(err, recorder.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestRecorderNeverTruncatesFinishedRun(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	now := func() time.Time { return fixed }

	first := recorder.New(&risingStats{}, nil, recorder.Options{Dir: dir, Interval: 10 * time.Millisecond, Now: now, RunID: "first"})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	written := len(readCSV(t, first.Path()))

	second := recorder.New(&risingStats{}, nil, recorder.Options{Dir: dir, Interval: time.Hour, Now: now, RunID: "second"})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer second.Stop()

	if second.Path() == first.Path() {
		t.Fatalf("second run reused %s", first.Path())
	}
	if got := len(readCSV(t, first.Path())); got != written || got < 2 {
		t.Fatalf("first run's file changed: %d lines, had %d", got, written)
	}
}

func TestRecorderStopWaitsForTickInProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []recorder.MetricRow
	rec := recorder.New(&risingStats{}, fixedResources{slow: 80 * time.Millisecond}, recorder.Options{
		Dir:      t.TempDir(),
		Interval: 10 * time.Millisecond,
		Sinks: []recorder.Sink{recorder.SinkFunc(func(row recorder.MetricRow) {
			mu.Lock()
			seen = append(seen, row)
			mu.Unlock()
		})},
	})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Land the stop inside the first slow tick.
	time.Sleep(40 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	records := readCSV(t, rec.Path())
	mu.Lock()
	defer mu.Unlock()
	if len(records)-1 != len(seen) || len(seen) != 1 {
		t.Fatalf("expected the in-flight tick to complete: file rows %d, observed %d", len(records)-1, len(seen))
	}
	for _, row := range records[1:] {
		if len(row) != len(recorder.Header) {
			t.Fatalf("torn row %v", row)
		}
	}
}

func TestRecorderStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := recorder.New(&risingStats{}, nil, recorder.Options{Dir: t.TempDir(), Interval: 10 * time.Millisecond})
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	rows := rec.Rows()
	time.Sleep(50 * time.Millisecond)
	if rec.Rows() != rows {
		t.Fatalf("rows kept growing after cancellation: %d -> %d", rows, rec.Rows())
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestMetricRowRecord(t *testing.T) {
	row := recorder.MetricRow{
		Timestamp:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Elapsed:        1500 * time.Millisecond,
		ActiveUsers:    10,
		TotalRequests:  250,
		RequestsPerSec: 12.346,
		MemoryMB:       64,
		MemoryPercent:  0.5,
		CPUPercent:     101.25,
		Entities:       42,
	}
	want := []string{"2024-01-02 03:04:05", "1.50", "10", "250", "12.35", "64.00", "0.50", "101.25", "42"}
	got := row.Record()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Record() = %v, want %v", got, want)
	}
}

func TestRunIDGenerated(t *testing.T) {
	a := recorder.New(nil, nil, recorder.Options{})
	b := recorder.New(nil, nil, recorder.Options{})
	if len(a.RunID()) != 26 || a.RunID() == b.RunID() {
		t.Fatalf("expected distinct ULIDs, got %q %q", a.RunID(), b.RunID())
	}
	if c := recorder.New(nil, nil, recorder.Options{RunID: "given"}); c.RunID() != "given" {
		t.Fatalf("expected explicit run id kept, got %q", c.RunID())
	}
}
