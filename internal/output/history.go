package output

import (
	"sync"

	"github.com/torosent/loadscope/internal/recorder"
)

// Peaks holds the highest values seen across a run's metric rows.
type Peaks struct {
	ActiveUsers    int64   `json:"active_users" yaml:"active_users"`
	RequestsPerSec float64 `json:"requests_per_sec" yaml:"requests_per_sec"`
	MemoryMB       float64 `json:"memory_mb" yaml:"memory_mb"`
	MemoryPercent  float64 `json:"memory_percent" yaml:"memory_percent"`
	CPUPercent     float64 `json:"cpu_percent" yaml:"cpu_percent"`
	Entities       int64   `json:"entities" yaml:"entities"`
}

// History is a recorder sink that retains every row for end-of-run reports.
type History struct {
	mu    sync.Mutex
	rows  []recorder.MetricRow
	peaks Peaks
}

func NewHistory() *History {
	return &History{}
}

// Observe appends row and folds it into the peaks.
func (h *History) Observe(row recorder.MetricRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, row)
	p := &h.peaks
	p.ActiveUsers = max(p.ActiveUsers, row.ActiveUsers)
	p.RequestsPerSec = max(p.RequestsPerSec, row.RequestsPerSec)
	p.MemoryMB = max(p.MemoryMB, row.MemoryMB)
	p.MemoryPercent = max(p.MemoryPercent, row.MemoryPercent)
	p.CPUPercent = max(p.CPUPercent, row.CPUPercent)
	p.Entities = max(p.Entities, row.Entities)
}

// Rows returns a copy of the retained rows in capture order.
func (h *History) Rows() []recorder.MetricRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recorder.MetricRow(nil), h.rows...)
}

// Peaks returns the running maxima.
func (h *History) Peaks() Peaks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peaks
}

// Last returns the most recent row, if any.
func (h *History) Last() (recorder.MetricRow, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rows) == 0 {
		return recorder.MetricRow{}, false
	}
	return h.rows[len(h.rows)-1], true
}
