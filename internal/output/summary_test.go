package output_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/output"
)

func TestNewSummary(t *testing.T) {
	stats := metrics.Stats{
		Total:        12,
		Successes:    10,
		Failures:     2,
		Duration:     90 * time.Second,
		P99LatencyMs: 42,
		Tasks: map[string]metrics.TaskStats{
			"view_list": {Successes: 6},
			"create":    {Successes: 3, Failures: 2},
			"update":    {Skipped: 1},
		},
		FailureBuckets: []metrics.FailureBucket{{Name: "POST /posts/create/", Reason: "403", Count: 2}},
	}

	s := output.NewSummary(stats, output.RunInfo{RunID: "01J0SUM"})

	if s.Duration != "1m30s" {
		t.Errorf("Duration = %q, want 1m30s", s.Duration)
	}
	if s.Requests.Total != 12 || s.Requests.Failures != 2 || s.Requests.P99LatencyMs != 42 {
		t.Errorf("Requests = %+v", s.Requests)
	}
	if len(s.Tasks) != 3 || s.Tasks[0].Name != "create" || s.Tasks[2].Name != "view_list" {
		t.Fatalf("Tasks = %+v, want name order", s.Tasks)
	}
	if s.Tasks[1].Skipped != 1 {
		t.Errorf("update skipped = %d, want 1", s.Tasks[1].Skipped)
	}
	if len(s.Failures) != 1 || s.Failures[0].Reason != "403" {
		t.Errorf("Failures = %+v", s.Failures)
	}
}

func TestWriteSummaryFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "summary.yaml")
	s := output.NewSummary(metrics.Stats{Total: 5, Successes: 5}, output.RunInfo{
		RunID: "01J0SUM",
		Host:  "http://127.0.0.1:8000",
		Users: 10,
		Rows:  4,
		Peaks: output.Peaks{MemoryMB: 128.5, Entities: 3},
	})

	if err := output.WriteSummaryFile(path, s); err != nil {
		t.Fatalf("WriteSummaryFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid YAML: %v\n%s", err, data)
	}
	run, ok := decoded["run"].(map[string]any)
	if !ok {
		t.Fatalf("run section missing:\n%s", data)
	}
	if run["run_id"] != "01J0SUM" || run["users"] != 10 {
		t.Errorf("run = %v", run)
	}
	peaks, _ := run["peaks"].(map[string]any)
	if peaks["memory_mb"] != 128.5 {
		t.Errorf("peaks = %v", peaks)
	}
	if !bytes.Contains(data, []byte("requests:\n  total: 5")) {
		t.Errorf("expected two-space indented requests block:\n%s", data)
	}
}
