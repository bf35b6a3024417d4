package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/torosent/loadscope/internal/metrics"
)

// RunInfo describes the run a report belongs to.
type RunInfo struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Host        string    `json:"host" yaml:"host"`
	Users       int       `json:"users" yaml:"users"`
	SpawnRate   float64   `json:"spawn_rate" yaml:"spawn_rate"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	MetricsFile string    `json:"metrics_file,omitempty" yaml:"metrics_file,omitempty"`
	Rows        int       `json:"rows" yaml:"rows"`
	Peaks       Peaks     `json:"peaks" yaml:"peaks"`

	Thresholds []ThresholdOutcome `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.Stats, run RunInfo) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	if run.RunID != "" {
		fmt.Fprintf(w, "Run ID:            %s\n", run.RunID)
	}
	if run.Host != "" {
		fmt.Fprintf(w, "Host:              %s\n", run.Host)
	}
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Tasks) > 0 {
		fmt.Fprintln(w, "\nTasks:")
		names := make([]string, 0, len(stats.Tasks))
		for name := range stats.Tasks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			task := stats.Tasks[name]
			fmt.Fprintf(w, "  - %s: successes=%d, failures=%d, skipped=%d\n",
				name, task.Successes, task.Failures, task.Skipped)
		}
	}

	if len(stats.Endpoints) > 0 {
		fmt.Fprintln(w, "\nEndpoint Breakdown:")
		names := make([]string, 0, len(stats.Endpoints))
		for name := range stats.Endpoints {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			ti, tj := stats.Endpoints[names[i]].Total, stats.Endpoints[names[j]].Total
			if ti == tj {
				return names[i] < names[j]
			}
			return ti > tj
		})
		for _, name := range names {
			endpoint := stats.Endpoints[name]
			share := 0.0
			if stats.Total > 0 {
				share = (float64(endpoint.Total) / float64(stats.Total)) * 100
			}

			fmt.Fprintf(
				w,
				"  - %s: total=%d (%.1f%%), successes=%d, failures=%d, rps=%.2f, p99=%s\n",
				name,
				endpoint.Total,
				share,
				endpoint.Successes,
				endpoint.Failures,
				endpoint.RequestsPerSec,
				endpoint.P99Latency,
			)
		}
	}

	if len(stats.FailureBuckets) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, b := range stats.FailureBuckets {
			fmt.Fprintf(w, "  %s %s: %d\n", b.Name, b.Reason, b.Count)
		}
	}

	if run.Rows > 0 {
		fmt.Fprintln(w, "\nTarget Resources:")
		fmt.Fprintf(w, "  Samples:         %d\n", run.Rows)
		fmt.Fprintf(w, "  Peak Users:      %d\n", run.Peaks.ActiveUsers)
		fmt.Fprintf(w, "  Peak Memory:     %.2f MB (%.2f%%)\n", run.Peaks.MemoryMB, run.Peaks.MemoryPercent)
		fmt.Fprintf(w, "  Peak CPU:        %.2f%%\n", run.Peaks.CPUPercent)
		fmt.Fprintf(w, "  Peak Entities:   %d\n", run.Peaks.Entities)
	}
	printThresholds(w, run.Thresholds)
	if run.MetricsFile != "" {
		fmt.Fprintf(w, "\nMetrics written to %s\n", run.MetricsFile)
	}
}

type jsonReport struct {
	Run   RunInfo       `json:"run"`
	Stats metrics.Stats `json:"stats"`
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats, run RunInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{Run: run, Stats: stats})
}
