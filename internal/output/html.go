package output

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt string
	Run         RunInfo
	Stats       metrics.Stats
	Samples     int
	SeriesJSON  string
	TaskNames   []string
}

// series is the column-oriented layout uPlot expects.
type series struct {
	Elapsed  []float64 `json:"elapsed"`
	Users    []int64   `json:"users"`
	RPS      []float64 `json:"rps"`
	MemoryMB []float64 `json:"memory_mb"`
	CPU      []float64 `json:"cpu"`
	Entities []int64   `json:"entities"`
}

func toSeries(rows []recorder.MetricRow) series {
	s := series{
		Elapsed:  make([]float64, len(rows)),
		Users:    make([]int64, len(rows)),
		RPS:      make([]float64, len(rows)),
		MemoryMB: make([]float64, len(rows)),
		CPU:      make([]float64, len(rows)),
		Entities: make([]int64, len(rows)),
	}
	for i, r := range rows {
		s.Elapsed[i] = r.Elapsed.Seconds()
		s.Users[i] = r.ActiveUsers
		s.RPS[i] = r.RequestsPerSec
		s.MemoryMB[i] = r.MemoryMB
		s.CPU[i] = r.CPUPercent
		s.Entities[i] = r.Entities
	}
	return s
}

// GenerateHTMLReport writes a standalone page charting how the target's
// memory, CPU and entity count moved with the applied load.
func GenerateHTMLReport(w io.Writer, stats metrics.Stats, run RunInfo, rows []recorder.MetricRow) error {
	seriesJSON, err := json.Marshal(toSeries(rows))
	if err != nil {
		return fmt.Errorf("failed to marshal series: %w", err)
	}

	taskNames := make([]string, 0, len(stats.Tasks))
	for name := range stats.Tasks {
		taskNames = append(taskNames, name)
	}
	sort.Strings(taskNames)

	data := HTMLReportData{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Run:         run,
		Stats:       stats,
		Samples:     len(rows),
		SeriesJSON:  string(seriesJSON),
		TaskNames:   taskNames,
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": func(d time.Duration) string {
			return d.Round(time.Millisecond).String()
		},
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>loadscope run {{.Run.RunID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 0; background: #f4f5f7; color: #222; }
main { max-width: 1100px; margin: 24px auto; background: #fff; padding: 24px 32px; border-radius: 6px; }
h1 { margin: 0 0 4px; font-size: 1.6rem; }
.meta { color: #666; font-size: 0.9rem; margin-bottom: 20px; }
.cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(170px, 1fr)); gap: 12px; margin-bottom: 28px; }
.card { background: #f8f9fa; border-left: 4px solid #3b82f6; padding: 12px 16px; }
.card h3 { margin: 0; font-size: 0.75rem; text-transform: uppercase; color: #666; }
.card .value { font-size: 1.5rem; font-weight: bold; }
.chart { margin-bottom: 24px; }
table { width: 100%; border-collapse: collapse; margin-bottom: 24px; }
th, td { text-align: left; padding: 8px; border-bottom: 1px solid #e5e7eb; }
th { background: #f8f9fa; font-size: 0.8rem; text-transform: uppercase; }
.empty { color: #888; font-style: italic; }
</style>
<script src="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.iife.min.js"></script>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.min.css">
</head>
<body>
<main>
<h1>Load Test Report</h1>
<div class="meta">Run {{.Run.RunID}}{{if .Run.Host}} against {{.Run.Host}}{{end}} | Generated {{.GeneratedAt}} | Duration {{formatDuration .Stats.Duration}}</div>

<div class="cards">
  <div class="card"><h3>Requests</h3><div class="value">{{.Stats.Total}}</div></div>
  <div class="card"><h3>Failures</h3><div class="value">{{.Stats.Failures}} ({{formatPercent .Stats.Failures .Stats.Total}}%)</div></div>
  <div class="card"><h3>Requests/sec</h3><div class="value">{{formatFloat .Stats.RequestsPerSec}}</div></div>
  <div class="card"><h3>Peak Users</h3><div class="value">{{.Run.Peaks.ActiveUsers}}</div></div>
  <div class="card"><h3>Peak Memory</h3><div class="value">{{formatFloat .Run.Peaks.MemoryMB}} MB</div></div>
  <div class="card"><h3>Peak CPU</h3><div class="value">{{formatFloat .Run.Peaks.CPUPercent}}%</div></div>
</div>

{{if .Samples}}
<h2>Target Over Time</h2>
<div id="load-chart" class="chart"></div>
<div id="resource-chart" class="chart"></div>
<div id="entity-chart" class="chart"></div>
{{else}}
<p class="empty">No resource samples were recorded.</p>
{{end}}

{{if .TaskNames}}
<h2>Tasks</h2>
<table>
<thead><tr><th>Task</th><th>Successes</th><th>Failures</th><th>Skipped</th></tr></thead>
<tbody>
{{range .TaskNames}}{{$t := index $.Stats.Tasks .}}
<tr><td><strong>{{.}}</strong></td><td>{{$t.Successes}}</td><td>{{$t.Failures}}</td><td>{{$t.Skipped}}</td></tr>
{{end}}
</tbody>
</table>
{{end}}

{{if .Stats.FailureBuckets}}
<h2>Failures</h2>
<table>
<thead><tr><th>Request</th><th>Reason</th><th>Count</th></tr></thead>
<tbody>
{{range .Stats.FailureBuckets}}<tr><td>{{.Name}}</td><td>{{.Reason}}</td><td>{{.Count}}</td></tr>
{{end}}
</tbody>
</table>
{{end}}

{{if .Run.Thresholds}}
<h2>Thresholds</h2>
<table>
<thead><tr><th>Threshold</th><th>Actual</th><th>Result</th></tr></thead>
<tbody>
{{range .Run.Thresholds}}<tr><td>{{.Threshold}}</td><td>{{formatFloat .Actual}}</td><td>{{if .Pass}}PASS{{else}}FAIL{{end}}</td></tr>
{{end}}
</tbody>
</table>
{{end}}

{{if .Run.MetricsFile}}<p class="meta">Raw samples: {{.Run.MetricsFile}}</p>{{end}}
</main>

{{if .Samples}}
<script>
const s = JSON.parse({{.SeriesJSON}});
function plot(id, title, series, data, axis) {
  const el = document.getElementById(id);
  new uPlot({
    title: title,
    width: el.offsetWidth,
    height: 260,
    scales: { x: { time: false } },
    series: [{ label: "Elapsed (s)" }].concat(series),
    axes: [{ label: "Elapsed (seconds)" }, { label: axis }]
  }, [s.elapsed].concat(data), el);
}
plot("load-chart", "Applied Load", [
  { label: "Users", stroke: "#3b82f6", width: 2 },
  { label: "RPS", stroke: "#10b981", width: 2 }
], [s.users, s.rps], "users / req/s");
plot("resource-chart", "Target Resources", [
  { label: "Memory (MB)", stroke: "#8b5cf6", width: 2 },
  { label: "CPU (%)", stroke: "#ef4444", width: 2 }
], [s.memory_mb, s.cpu], "MB / %");
plot("entity-chart", "Entities", [
  { label: "Rows", stroke: "#f59e0b", width: 2 }
], [s.entities], "rows");
</script>
{{end}}
</body>
</html>
`
