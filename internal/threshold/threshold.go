package threshold

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/recorder"
)

// Metric names accepted in threshold expressions.
const (
	MetricRequestDuration = "request_duration"
	MetricRequestFailed   = "request_failed"
	MetricRequests        = "requests"
	MetricMemory          = "target_memory"
	MetricMemoryPercent   = "target_memory_percent"
	MetricCPU             = "target_cpu"
	MetricEntities        = "entities"
)

// Threshold represents a run assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "request_duration", "target_memory"
	Aggregate string  // e.g., "p99", "avg", "max", "rate", "last"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against a finished run.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the request stats and the recorded
// metric rows.
func (e *Evaluator) Evaluate(stats metrics.Stats, rows []recorder.MetricRow) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, stats, rows))
	}
	return results
}

// Failed counts results that did not pass.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Pass {
			n++
		}
	}
	return n
}

func evaluateOne(t Threshold, stats metrics.Stats, rows []recorder.MetricRow) Result {
	actual, err := extractMetricValue(t, stats, rows)
	if err != nil {
		return Result{
			Threshold: t,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "PASS"
	if !pass {
		status = "FAIL"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

var aggregates = map[string][]string{
	MetricRequestDuration: {"p50", "p90", "p99", "avg", "min", "max"},
	MetricRequestFailed:   {"rate", "count"},
	MetricRequests:        {"rate", "count"},
	MetricMemory:          {"max", "avg", "min", "last"},
	MetricMemoryPercent:   {"max", "avg", "min", "last"},
	MetricCPU:             {"max", "avg", "min", "last"},
	MetricEntities:        {"max", "avg", "min", "last"},
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "request_duration:p99 < 500"   (latency in ms)
// - "request_failed:rate < 0.01"   (failure rate as decimal)
// - "requests:rate > 100"          (requests per second)
// - "target_memory:max < 512"      (MB, over the recorded rows)
// - "target_cpu:avg < 80"          (percent, over the recorded rows)
// - "entities:last >= 1"           (rows in the entity table)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'target_memory:max < 512')", s)
	}

	metric := matches[1]
	aggregate := matches[2]
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	allowed, ok := aggregates[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q", metric)
	}
	if !slices.Contains(allowed, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(allowed, ", "))
	}
	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}

	return result, nil
}

func isValidOperator(operator string) bool {
	switch operator {
	case "<", "<=", ">", ">=", "==":
		return true
	}
	return false
}

func extractMetricValue(t Threshold, stats metrics.Stats, rows []recorder.MetricRow) (float64, error) {
	switch t.Metric {
	case MetricRequestDuration:
		return extractLatencyMetric(t.Aggregate, stats)
	case MetricRequestFailed:
		return extractCountOrRate(t.Aggregate, float64(stats.Failures), func() float64 {
			if stats.Total == 0 {
				return 0
			}
			return float64(stats.Failures) / float64(stats.Total)
		})
	case MetricRequests:
		return extractCountOrRate(t.Aggregate, float64(stats.Total), func() float64 { return stats.RequestsPerSec })
	case MetricMemory:
		return aggregateRows(t.Aggregate, rows, func(r recorder.MetricRow) float64 { return r.MemoryMB })
	case MetricMemoryPercent:
		return aggregateRows(t.Aggregate, rows, func(r recorder.MetricRow) float64 { return r.MemoryPercent })
	case MetricCPU:
		return aggregateRows(t.Aggregate, rows, func(r recorder.MetricRow) float64 { return r.CPUPercent })
	case MetricEntities:
		return aggregateRows(t.Aggregate, rows, func(r recorder.MetricRow) float64 { return float64(r.Entities) })
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

func extractLatencyMetric(aggregate string, stats metrics.Stats) (float64, error) {
	switch aggregate {
	case "p50":
		return stats.P50LatencyMs, nil
	case "p90":
		return stats.P90LatencyMs, nil
	case "p99":
		return stats.P99LatencyMs, nil
	case "avg":
		return stats.MeanLatencyMs, nil
	case "min":
		return stats.MinLatencyMs, nil
	case "max":
		return stats.MaxLatencyMs, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s", aggregate, MetricRequestDuration)
	}
}

func extractCountOrRate(aggregate string, count float64, rate func() float64) (float64, error) {
	switch aggregate {
	case "count":
		return count, nil
	case "rate":
		return rate(), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q (use 'count' or 'rate')", aggregate)
	}
}

// aggregateRows folds one column of the recorded rows. A run without rows has
// nothing to judge, which is an error rather than a silent zero.
func aggregateRows(aggregate string, rows []recorder.MetricRow, value func(recorder.MetricRow) float64) (float64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("no metric rows recorded")
	}
	switch aggregate {
	case "last":
		return value(rows[len(rows)-1]), nil
	case "max":
		out := math.Inf(-1)
		for _, r := range rows {
			out = math.Max(out, value(r))
		}
		return out, nil
	case "min":
		out := math.Inf(1)
		for _, r := range rows {
			out = math.Min(out, value(r))
		}
		return out, nil
	case "avg":
		var sum float64
		for _, r := range rows {
			sum += value(r)
		}
		return sum / float64(len(rows)), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q", aggregate)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
