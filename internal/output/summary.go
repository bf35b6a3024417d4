package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/torosent/loadscope/internal/metrics"
)

// Summary is the machine-readable record of a finished run.
type Summary struct {
	Run      RunInfo       `yaml:"run"`
	Duration string        `yaml:"duration"`
	Requests RequestTotals `yaml:"requests"`
	Tasks    []TaskTotals  `yaml:"tasks,omitempty"`
	Failures []FailureLine `yaml:"failures,omitempty"`
}

type RequestTotals struct {
	Total          int64   `yaml:"total"`
	Successes      int64   `yaml:"successes"`
	Failures       int64   `yaml:"failures"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	P50LatencyMs   float64 `yaml:"p50_latency_ms"`
	P90LatencyMs   float64 `yaml:"p90_latency_ms"`
	P99LatencyMs   float64 `yaml:"p99_latency_ms"`
}

type TaskTotals struct {
	Name      string `yaml:"name"`
	Successes int64  `yaml:"successes"`
	Failures  int64  `yaml:"failures"`
	Skipped   int64  `yaml:"skipped"`
}

type FailureLine struct {
	Name   string `yaml:"name"`
	Reason string `yaml:"reason"`
	Count  int    `yaml:"count"`
}

// NewSummary flattens stats into a Summary with tasks in name order.
func NewSummary(stats metrics.Stats, run RunInfo) Summary {
	s := Summary{
		Run:      run,
		Duration: stats.Duration.String(),
		Requests: RequestTotals{
			Total:          stats.Total,
			Successes:      stats.Successes,
			Failures:       stats.Failures,
			RequestsPerSec: stats.RequestsPerSec,
			P50LatencyMs:   stats.P50LatencyMs,
			P90LatencyMs:   stats.P90LatencyMs,
			P99LatencyMs:   stats.P99LatencyMs,
		},
	}
	names := make([]string, 0, len(stats.Tasks))
	for name := range stats.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := stats.Tasks[name]
		s.Tasks = append(s.Tasks, TaskTotals{Name: name, Successes: t.Successes, Failures: t.Failures, Skipped: t.Skipped})
	}
	for _, b := range stats.FailureBuckets {
		s.Failures = append(s.Failures, FailureLine(b))
	}
	return s
}

// WriteSummary encodes s as YAML.
func WriteSummary(w io.Writer, s Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return enc.Close()
}

// WriteSummaryFile writes s to path, creating parent directories.
func WriteSummaryFile(path string, s Summary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSummary(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
