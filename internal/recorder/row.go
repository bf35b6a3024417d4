package recorder

import (
	"strconv"
	"time"
)

// TimestampLayout formats the wall-clock column.
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the first line of every metrics file.
var Header = []string{
	"Timestamp",
	"Elapsed_Time_Seconds",
	"Active_Users",
	"Total_Requests",
	"Requests_Per_Second",
	"Memory_Usage_MB",
	"Memory_Percent",
	"CPU_Percent",
	"Total_Entities_In_DB",
}

// MetricRow is one sampling tick. Rows are never modified after capture.
type MetricRow struct {
	Timestamp      time.Time
	Elapsed        time.Duration
	ActiveUsers    int64
	TotalRequests  int64
	RequestsPerSec float64
	MemoryMB       float64
	MemoryPercent  float64
	CPUPercent     float64
	Entities       int64
}

// Record renders the row in Header order.
func (r MetricRow) Record() []string {
	return []string{
		r.Timestamp.Format(TimestampLayout),
		fixed2(r.Elapsed.Seconds()),
		strconv.FormatInt(r.ActiveUsers, 10),
		strconv.FormatInt(r.TotalRequests, 10),
		fixed2(r.RequestsPerSec),
		fixed2(r.MemoryMB),
		fixed2(r.MemoryPercent),
		fixed2(r.CPUPercent),
		strconv.FormatInt(r.Entities, 10),
	}
}

func fixed2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
