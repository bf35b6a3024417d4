package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loadscope",
		Short:         "Drive CRUD traffic at a web application and record its resource usage",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

func configureFlags(flags *pflag.FlagSet) {
	// Target
	flags.StringP("host", "H", "", "Base URL of the application under test (e.g. http://127.0.0.1:8000)")
	flags.String("entity-path", DefaultEntityPath, "Listing path of the CRUD resource")

	// Load shape
	flags.IntP("users", "u", 1, "Number of concurrent virtual users")
	flags.Float64P("spawn-rate", "r", 0, "Users started per second (0 starts all at once)")
	flags.DurationP("run-time", "t", 0, "How long to run the test (e.g. 30s, 5m); 0 runs until interrupted")
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.Duration("wait-min", DefaultWaitMin, "Minimum think time between tasks")
	flags.Duration("wait-max", DefaultWaitMax, "Maximum think time between tasks")

	defaults := DefaultTaskWeights()
	flags.Int("weight-list", defaults.List, "Relative weight of the view-list task")
	flags.Int("weight-create", defaults.Create, "Relative weight of the create task")
	flags.Int("weight-update", defaults.Update, "Relative weight of the update task")
	flags.Int("weight-delete", defaults.Delete, "Relative weight of the delete task")

	// Telemetry
	flags.String("metrics-dir", DefaultMetricsDir, "Directory receiving the per-run metrics CSV")
	flags.Duration("sample-interval", DefaultSampleInterval, "Resource sampling period")
	flags.Int("target-pid", 0, "PID of the application server (skips process discovery)")
	flags.StringSlice("process-marker", DefaultProcessMarkers, "Command-line substrings identifying the server process (repeatable)")
	flags.String("db-path", DefaultDatabasePath, "SQLite database file of the application")
	flags.String("entity-table", DefaultEntityTable, "Table whose rows are counted each tick")
	flags.String("prometheus-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")

	// Output
	flags.Bool("json-output", false, "Emit JSON formatted report")
	flags.Bool("dashboard", false, "Show live terminal dashboard")
	flags.Bool("log-errors", false, "Log each failed task")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("summary-file", "", "Write a YAML run summary to this path")
	flags.String("html-report", "", "Write an HTML report charting the run to this path")
	flags.StringSlice("threshold", nil, "Run assertion (repeatable, e.g. 'target_memory:max < 512')")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (host:port)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.String("tracing-service-name", "", "service.name resource attribute")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling ratio between 0.0 and 1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Bool("tracing-propagate", false, "Inject W3C trace context headers into requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\n%s\n\nFlags:\n", cmd.UseLine(), cmd.Short)
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file and the environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"host", &cfg.Host},
		{"entity-path", &cfg.EntityPath},
		{"metrics-dir", &cfg.Metrics.Dir},
		{"db-path", &cfg.Metrics.DatabasePath},
		{"entity-table", &cfg.Metrics.EntityTable},
		{"prometheus-addr", &cfg.Metrics.PrometheusAddr},
		{"log-level", &cfg.LogLevel},
		{"summary-file", &cfg.SummaryFile},
		{"html-report", &cfg.HTMLReport},
		{"tracing-endpoint", &cfg.Tracing.Endpoint},
		{"tracing-protocol", &cfg.Tracing.Protocol},
		{"tracing-service-name", &cfg.Tracing.ServiceName},
	}
	for _, s := range strs {
		if !fs.Changed(s.name) {
			continue
		}
		val, err := fs.GetString(s.name)
		if err != nil {
			return err
		}
		*s.dst = strings.TrimSpace(val)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"users", &cfg.Users},
		{"target-pid", &cfg.Metrics.TargetPID},
		{"weight-list", &cfg.Weights.List},
		{"weight-create", &cfg.Weights.Create},
		{"weight-update", &cfg.Weights.Update},
		{"weight-delete", &cfg.Weights.Delete},
	}
	for _, i := range ints {
		if !fs.Changed(i.name) {
			continue
		}
		val, err := fs.GetInt(i.name)
		if err != nil {
			return err
		}
		*i.dst = val
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"run-time", &cfg.Duration},
		{"timeout", &cfg.Timeout},
		{"wait-min", &cfg.WaitMin},
		{"wait-max", &cfg.WaitMax},
		{"sample-interval", &cfg.Metrics.Interval},
	}
	for _, d := range durations {
		if !fs.Changed(d.name) {
			continue
		}
		val, err := fs.GetDuration(d.name)
		if err != nil {
			return err
		}
		*d.dst = val
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"json-output", &cfg.JSONOutput},
		{"dashboard", &cfg.Dashboard},
		{"log-errors", &cfg.LogErrors},
		{"tracing-insecure", &cfg.Tracing.Insecure},
		{"tracing-propagate", &cfg.Tracing.Propagate},
	}
	for _, b := range bools {
		if !fs.Changed(b.name) {
			continue
		}
		val, err := fs.GetBool(b.name)
		if err != nil {
			return err
		}
		*b.dst = val
	}

	if fs.Changed("spawn-rate") {
		val, err := fs.GetFloat64("spawn-rate")
		if err != nil {
			return err
		}
		cfg.SpawnRate = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("process-marker") {
		val, err := fs.GetStringSlice("process-marker")
		if err != nil {
			return err
		}
		cfg.Metrics.ProcessMarkers = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	return nil
}
