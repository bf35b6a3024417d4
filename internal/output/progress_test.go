package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressReporterStopWithoutStart(t *testing.T) {
	collector := metrics.NewCollector()
	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, 100*time.Millisecond, &buf)
	if reporter == nil {
		t.Fatal("Expected non-nil reporter")
	}
	reporter.Stop()
	if buf.Len() != 0 {
		t.Errorf("Stop before Start wrote %q", buf.String())
	}
}

func TestProgressReporterLineWithoutSamples(t *testing.T) {
	collector := metrics.NewCollector()
	collector.UserStarted()
	collector.RecordRequest("GET /posts/", 30*time.Millisecond, nil)
	collector.RecordRequest("GET /posts/", 30*time.Millisecond, errStatus)

	reporter := NewProgressReporter(collector, time.Second, nil)
	line := reporter.line()

	for _, want := range []string{"Users: 1", "Requests: 2", "Failures: 1"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "Mem:") {
		t.Errorf("line %q shows resources before any sample", line)
	}
}

func TestProgressReporterShowsLatestSample(t *testing.T) {
	collector := metrics.NewCollector()
	reporter := NewProgressReporter(collector, time.Second, nil)

	reporter.Observe(recorder.MetricRow{MemoryMB: 10, CPUPercent: 1, Entities: 3})
	reporter.Observe(recorder.MetricRow{MemoryMB: 64.4, CPUPercent: 12.5, Entities: 42})

	line := reporter.line()
	for _, want := range []string{"Mem: 64.4 MB", "CPU: 12.5%", "Entities: 42"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestProgressReporterFormatting(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordRequest("GET /posts/", 50*time.Millisecond, nil)

	buf := &lockedBuffer{}
	reporter := NewProgressReporter(collector, 20*time.Millisecond, buf)
	reporter.Start()
	reporter.Start() // second start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "Requests: 1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	reporter.Stop()
	reporter.Stop()

	output := buf.String()
	if !strings.Contains(output, "\rUsers: 0 | Requests: 1") {
		t.Errorf("Expected progress line in output, got %q", output)
	}
	if !strings.HasSuffix(output, "\n") {
		t.Errorf("Expected Stop to terminate the line, got %q", output)
	}
}
