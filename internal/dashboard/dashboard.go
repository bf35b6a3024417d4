// Package dashboard renders a live terminal view of a running load test.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

const historyLen = 100

// TestConfig holds run parameters for display.
type TestConfig struct {
	Host       string
	Users      int
	SpawnRate  float64
	Duration   time.Duration
	Timeout    time.Duration
	TargetPID  int
	ConfigFile string
	RunID      string
	MetricsCSV string
}

// StatsSource supplies request and task aggregates.
type StatsSource interface {
	Stats(elapsed time.Duration) metrics.Stats
}

// Dashboard is a recorder.Sink that redraws on its own ticker.
type Dashboard struct {
	stats        StatsSource
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	grid         *ui.Grid
	summaryPara  *widgets.Paragraph
	rpsGauge     *widgets.Gauge
	trafficPara  *widgets.Paragraph
	resources    *widgets.SparklineGroup
	resourcePara *widgets.Paragraph
	taskList     *widgets.List
	failureList  *widgets.List

	memoryHistory []float64
	cpuHistory    []float64
	peakRPS       float64
	latest        recorder.MetricRow
	haveRow       bool
	startTime     time.Time
	testConfig    TestConfig
}

// New initialises the terminal. shutdownFunc is invoked when the user presses q.
func New(stats StatsSource, cfg TestConfig, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	d := newDashboard(stats, cfg, shutdownFunc)
	d.setupGrid()
	return d, nil
}

func newDashboard(stats StatsSource, cfg TestConfig, shutdownFunc func()) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		stats:         stats,
		ctx:           ctx,
		cancel:        cancel,
		shutdownFunc:  shutdownFunc,
		memoryHistory: make([]float64, 0, historyLen),
		cpuHistory:    make([]float64, 0, historyLen),
		startTime:     time.Now(),
		testConfig:    cfg,
	}
	d.initWidgets()
	return d
}

func (d *Dashboard) initWidgets() {
	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Test Summary"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.rpsGauge = widgets.NewGauge()
	d.rpsGauge.Title = "Requests Per Second"
	d.rpsGauge.BarColor = ui.ColorBlue
	d.rpsGauge.BorderStyle.Fg = ui.ColorCyan
	d.rpsGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.trafficPara = widgets.NewParagraph()
	d.trafficPara.Title = "Traffic"
	d.trafficPara.Text = "Waiting for first sample..."
	d.trafficPara.BorderStyle.Fg = ui.ColorCyan

	memory := widgets.NewSparkline()
	memory.Title = "Memory (MB)"
	memory.LineColor = ui.ColorGreen
	memory.Data = []float64{0}
	cpu := widgets.NewSparkline()
	cpu.Title = "CPU (%)"
	cpu.LineColor = ui.ColorYellow
	cpu.Data = []float64{0}
	d.resources = widgets.NewSparklineGroup(memory, cpu)
	d.resources.Title = "Target Process"
	d.resources.BorderStyle.Fg = ui.ColorCyan

	d.resourcePara = widgets.NewParagraph()
	d.resourcePara.Title = "Resources"
	d.resourcePara.Text = "Memory: 0.00 MB\nMemory: 0.00%\nCPU: 0.00%\nEntities: 0"
	d.resourcePara.BorderStyle.Fg = ui.ColorCyan

	d.taskList = widgets.NewList()
	d.taskList.Title = "Tasks"
	d.taskList.Rows = []string{"Awaiting data"}
	d.taskList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.taskList.BorderStyle.Fg = ui.ColorCyan

	d.failureList = widgets.NewList()
	d.failureList.Title = "Failures"
	d.failureList.Rows = []string{"No failures"}
	d.failureList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.failureList.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)
	d.grid.Set(
		ui.NewRow(0.14,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.2,
			ui.NewCol(0.5, d.rpsGauge),
			ui.NewCol(0.5, d.trafficPara),
		),
		ui.NewRow(0.36,
			ui.NewCol(0.65, d.resources),
			ui.NewCol(0.35, d.resourcePara),
		),
		ui.NewRow(0.3,
			ui.NewCol(0.5, d.taskList),
			ui.NewCol(0.5, d.failureList),
		),
	)
}

// Start begins the redraw loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the redraw loop and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

// SetMetricsFile shows path in the summary once the recorder has opened it.
func (d *Dashboard) SetMetricsFile(path string) {
	d.mu.Lock()
	d.testConfig.MetricsCSV = path
	d.mu.Unlock()
}

// Observe records the latest sampling row.
func (d *Dashboard) Observe(row recorder.MetricRow) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest = row
	d.haveRow = true
	d.memoryHistory = appendBounded(d.memoryHistory, row.MemoryMB)
	d.cpuHistory = appendBounded(d.cpuHistory, row.CPUPercent)
	if row.RequestsPerSec > d.peakRPS {
		d.peakRPS = row.RequestsPerSec
	}
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.mu.Lock()
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				d.mu.Unlock()
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes widget contents from the latest row and the stats source.
func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	var stats metrics.Stats
	if d.stats != nil {
		stats = d.stats.Stats(elapsed)
	}
	row := d.latest

	d.summaryPara.Text = fmt.Sprintf("Target: %s\n%s\nElapsed: %s | Run: %s",
		d.testConfig.Host, d.formatTestParams(), elapsed.Round(time.Second), d.testConfig.RunID)

	d.rpsGauge.Percent = gaugePercent(row.RequestsPerSec, d.peakRPS)
	d.rpsGauge.Label = fmt.Sprintf("%.1f RPS (peak %.1f)", row.RequestsPerSec, d.peakRPS)

	if d.haveRow {
		d.trafficPara.Text = fmt.Sprintf(
			"Active Users:     %d\nTotal Requests:   %d\nFailed Requests:  %d\nP50/P90/P99:      %.1f / %.1f / %.1f ms",
			row.ActiveUsers, row.TotalRequests, stats.Failures,
			stats.P50LatencyMs, stats.P90LatencyMs, stats.P99LatencyMs,
		)
		d.resourcePara.Text = fmt.Sprintf("Memory: %.2f MB\nMemory: %.2f%%\nCPU: %.2f%%\nEntities: %d",
			row.MemoryMB, row.MemoryPercent, row.CPUPercent, row.Entities)
	}
	if len(d.memoryHistory) > 0 {
		d.resources.Sparklines[0].Data = d.memoryHistory
		d.resources.Sparklines[1].Data = d.cpuHistory
	}

	d.taskList.Rows = formatTaskRows(stats.Tasks)
	d.failureList.Rows = formatFailureRows(stats.FailureBuckets)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func appendBounded(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > historyLen {
		history = history[len(history)-historyLen:]
	}
	return history
}

func gaugePercent(current, peak float64) int {
	scale := 100.0
	if peak > scale {
		scale = peak
	}
	pct := int(current / scale * 100)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func formatTaskRows(tasks map[string]metrics.TaskStats) []string {
	if len(tasks) == 0 {
		return []string{"[No tasks yet](fg:green)"}
	}
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]string, 0, len(names))
	for _, name := range names {
		t := tasks[name]
		rows = append(rows, fmt.Sprintf("[%-10s](fg:cyan) ok %d | fail %d | skip %d",
			name, t.Successes, t.Failures, t.Skipped))
	}
	return rows
}

func formatFailureRows(buckets []metrics.FailureBucket) []string {
	if len(buckets) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	n := len(buckets)
	if n > 10 {
		n = 10
	}
	rows := make([]string, 0, n)
	for _, b := range buckets[:n] {
		rows = append(rows, fmt.Sprintf("[%s %s](fg:red) %d", b.Name, b.Reason, b.Count))
	}
	return rows
}

// formatTestParams formats the run parameters for display.
func (d *Dashboard) formatTestParams() string {
	var parts []string

	if d.testConfig.Users > 0 {
		parts = append(parts, fmt.Sprintf("Users: %d", d.testConfig.Users))
	}
	if d.testConfig.SpawnRate > 0 {
		parts = append(parts, fmt.Sprintf("Spawn: %.1f/s", d.testConfig.SpawnRate))
	} else {
		parts = append(parts, "Spawn: all at once")
	}
	if d.testConfig.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", d.testConfig.Duration))
	}
	if d.testConfig.Timeout > 0 {
		parts = append(parts, fmt.Sprintf("Timeout: %s", d.testConfig.Timeout))
	}
	if d.testConfig.TargetPID > 0 {
		parts = append(parts, fmt.Sprintf("PID: %d", d.testConfig.TargetPID))
	}
	if d.testConfig.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", d.testConfig.ConfigFile))
	}
	if d.testConfig.MetricsCSV != "" {
		parts = append(parts, fmt.Sprintf("CSV: %s", d.testConfig.MetricsCSV))
	}

	return strings.Join(parts, " | ")
}
