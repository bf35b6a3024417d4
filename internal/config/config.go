package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/torosent/loadscope/internal/sampler"
	"github.com/torosent/loadscope/internal/threshold"
)

const (
	DefaultEntityPath     = "/posts/"
	DefaultMetricsDir     = "results"
	DefaultDatabasePath   = "db.sqlite3"
	DefaultEntityTable    = "books_post"
	DefaultSampleInterval = time.Second
	DefaultWaitMin        = time.Second
	DefaultWaitMax        = 3 * time.Second
)

// DefaultProcessMarkers identify a Django development server command line.
var DefaultProcessMarkers = []string{"manage.py", "runserver"}

type Config struct {
	Host        string        `mapstructure:"host"`
	EntityPath  string        `mapstructure:"entity_path"`
	Users       int           `mapstructure:"users"`
	SpawnRate   float64       `mapstructure:"spawn_rate"`
	Duration    time.Duration `mapstructure:"duration"`
	Timeout     time.Duration `mapstructure:"timeout"`
	WaitMin     time.Duration `mapstructure:"wait_min"`
	WaitMax     time.Duration `mapstructure:"wait_max"`
	Weights     TaskWeights   `mapstructure:"weights"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
	LogLevel    string        `mapstructure:"log_level"`
	LogErrors   bool          `mapstructure:"log_errors"`
	JSONOutput  bool          `mapstructure:"json_output"`
	Dashboard   bool          `mapstructure:"dashboard"`
	SummaryFile string        `mapstructure:"summary_file"`
	HTMLReport  string        `mapstructure:"html_report"`
	Thresholds  []string      `mapstructure:"thresholds"`
	ConfigFile  string        `mapstructure:"-"`
}

// TaskWeights sets the relative frequency of each virtual user task.
type TaskWeights struct {
	List   int `mapstructure:"list"`
	Create int `mapstructure:"create"`
	Update int `mapstructure:"update"`
	Delete int `mapstructure:"delete"`
}

func (w TaskWeights) total() int {
	return w.List + w.Create + w.Update + w.Delete
}

// DefaultTaskWeights favours reads three to one over single mutations.
func DefaultTaskWeights() TaskWeights {
	return TaskWeights{List: 3, Create: 2, Update: 1, Delete: 1}
}

type MetricsConfig struct {
	Dir            string        `mapstructure:"dir"`
	Interval       time.Duration `mapstructure:"interval"`
	TargetPID      int           `mapstructure:"target_pid"`
	ProcessMarkers []string      `mapstructure:"process_markers"`
	DatabasePath   string        `mapstructure:"database_path"`
	EntityTable    string        `mapstructure:"entity_table"`
	PrometheusAddr string        `mapstructure:"prometheus_addr"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   bool    `mapstructure:"propagate"`
}

// Enabled reports whether spans should be created at all.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || t.Propagate
}

// ShouldPropagate reports whether W3C trace headers go out on requests.
func (t TracingConfig) ShouldPropagate() bool {
	return t.Propagate
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Warnings returns advisory messages for settings that are valid but risky.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Users > 1000 {
		warnings = append(warnings, fmt.Sprintf("high user count configured (%d). Ensure you have authorization to test the target system.", c.Users))
	}
	if c.Tracing.Insecure && strings.TrimSpace(c.Tracing.Endpoint) != "" {
		warnings = append(warnings, "OTLP exporter TLS is disabled (tracing insecure: true)")
	}
	return warnings
}

func (c Config) Validate() error {
	var issues []string

	host := strings.TrimSpace(c.Host)
	if host == "" {
		issues = append(issues, "host is required (use --help for usage information)")
	} else if u, err := url.Parse(host); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, fmt.Sprintf("host %q must be an absolute URL", c.Host))
	}
	if !strings.HasPrefix(c.EntityPath, "/") || !strings.HasSuffix(c.EntityPath, "/") {
		issues = append(issues, "entity path must start and end with '/'")
	}

	if c.Users < 1 {
		issues = append(issues, "users must be >= 1")
	}
	if c.SpawnRate < 0 {
		issues = append(issues, "spawn rate must be >= 0")
	}
	if c.Duration < 0 {
		issues = append(issues, "duration must be >= 0")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.WaitMin < 0 || c.WaitMax < 0 {
		issues = append(issues, "wait times must be >= 0")
	}
	if c.WaitMax < c.WaitMin {
		issues = append(issues, "wait max must be >= wait min")
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output are mutually exclusive")
	}

	issues = append(issues, validateWeights(c.Weights)...)
	issues = append(issues, validateMetricsConfig(c.Metrics)...)
	issues = append(issues, validateTracingConfig(c.Tracing)...)
	if _, err := threshold.ParseMultiple(c.Thresholds); err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateWeights(w TaskWeights) []string {
	var issues []string
	if w.List < 0 || w.Create < 0 || w.Update < 0 || w.Delete < 0 {
		issues = append(issues, "weights: task weights must be >= 0")
	}
	if w.total() <= 0 {
		issues = append(issues, "weights: at least one task weight must be > 0")
	}
	return issues
}

func validateMetricsConfig(m MetricsConfig) []string {
	var issues []string
	if strings.TrimSpace(m.Dir) == "" {
		issues = append(issues, "metrics: dir is required")
	}
	if m.Interval <= 0 {
		issues = append(issues, "metrics: interval must be > 0")
	} else if m.Interval <= sampler.DefaultCPUWindow {
		issues = append(issues, fmt.Sprintf("metrics: interval must be longer than the %s CPU sampling window", sampler.DefaultCPUWindow))
	}
	if m.TargetPID < 0 {
		issues = append(issues, "metrics: target_pid must be >= 0")
	}
	if m.EntityTable != "" && !tableNamePattern.MatchString(m.EntityTable) {
		issues = append(issues, fmt.Sprintf("metrics: entity_table %q is not a valid identifier", m.EntityTable))
	}
	return issues
}

func validateTracingConfig(t TracingConfig) []string {
	var issues []string
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be between 0.0 and 1.0")
	}
	return issues
}
