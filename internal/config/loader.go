package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment variables consulted after the config file and before CLI flags.
// The legacy names are the ones the Python collector script read.
const (
	EnvTargetPID        = "LOADSCOPE_TARGET_PID"
	EnvTargetPIDLegacy  = "DJANGO_PID"
	EnvMetricsDir       = "LOADSCOPE_METRICS_DIR"
	EnvMetricsDirLegacy = "LOCUST_METRICS_DIR"
)

// Loader handles loading configuration from files, the environment and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		EntityPath: DefaultEntityPath,
		Users:      1,
		Timeout:    30 * time.Second,
		WaitMin:    DefaultWaitMin,
		WaitMax:    DefaultWaitMax,
		Weights:    DefaultTaskWeights(),
		LogLevel:   "info",
		Metrics: MetricsConfig{
			Dir:            DefaultMetricsDir,
			Interval:       DefaultSampleInterval,
			ProcessMarkers: append([]string(nil), DefaultProcessMarkers...),
			DatabasePath:   DefaultDatabasePath,
			EntityTable:    DefaultEntityTable,
		},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
		},
	}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Host = strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	cfg.EntityPath = strings.TrimSpace(cfg.EntityPath)
	return cfg, nil
}

// applyEnvOverrides reads the target PID and metrics directory from the environment.
func applyEnvOverrides(cfg *Config) error {
	env := viper.New()
	if err := env.BindEnv("target_pid", EnvTargetPID, EnvTargetPIDLegacy); err != nil {
		return err
	}
	if err := env.BindEnv("metrics_dir", EnvMetricsDir, EnvMetricsDirLegacy); err != nil {
		return err
	}

	if raw := strings.TrimSpace(env.GetString("target_pid")); raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTargetPID, err)
		}
		cfg.Metrics.TargetPID = pid
	}
	if dir := strings.TrimSpace(env.GetString("metrics_dir")); dir != "" {
		cfg.Metrics.Dir = dir
	}
	return nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "host", "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("host: %w", err)
		}
		cfg.Host = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "entity_path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("entityPath: %w", err)
		}
		cfg.EntityPath = val
	}

	if raw, ok := lookupSetting(settings, "users"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		cfg.Users = val
	}

	if raw, ok := lookupSetting(settings, "spawn_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("spawnRate: %w", err)
		}
		cfg.SpawnRate = val
	}

	durations := []struct {
		keys []string
		dst  *time.Duration
	}{
		{[]string{"duration", "run_time"}, &cfg.Duration},
		{[]string{"timeout"}, &cfg.Timeout},
		{[]string{"wait_min"}, &cfg.WaitMin},
		{[]string{"wait_max"}, &cfg.WaitMax},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.keys[0], err)
		}
		*d.dst = val
	}

	bools := []struct {
		keys []string
		dst  *bool
	}{
		{[]string{"log_errors"}, &cfg.LogErrors},
		{[]string{"json_output"}, &cfg.JSONOutput},
		{[]string{"dashboard"}, &cfg.Dashboard},
	}
	for _, b := range bools {
		raw, ok := lookupSetting(settings, b.keys...)
		if !ok {
			continue
		}
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", b.keys[0], err)
		}
		*b.dst = val
	}

	if raw, ok := lookupSetting(settings, "log_level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("logLevel: %w", err)
		}
		cfg.LogLevel = val
	}

	if raw, ok := lookupSetting(settings, "summary_file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("summaryFile: %w", err)
		}
		cfg.SummaryFile = val
	}

	if raw, ok := lookupSetting(settings, "html_report"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("htmlReport: %w", err)
		}
		cfg.HTMLReport = val
	}

	if raw, ok := lookupSetting(settings, "thresholds", "threshold"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = val
	}

	if raw, ok := lookupSetting(settings, "weights"); ok {
		if err := parseWeights(&cfg.Weights, raw); err != nil {
			return fmt.Errorf("weights: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "metrics"); ok {
		if err := parseMetricsConfig(&cfg.Metrics, raw); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := parseTracingConfig(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func parseWeights(w *TaskWeights, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	fields := []struct {
		key string
		dst *int
	}{
		{"list", &w.List},
		{"create", &w.Create},
		{"update", &w.Update},
		{"delete", &w.Delete},
	}
	for _, f := range fields {
		raw, ok := settings[f.key]
		if !ok {
			continue
		}
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = val
	}
	return nil
}

func parseMetricsConfig(m *MetricsConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"dir", "output_dir"}, &m.Dir},
		{[]string{"database_path", "db_path"}, &m.DatabasePath},
		{[]string{"entity_table"}, &m.EntityTable},
		{[]string{"prometheus_addr"}, &m.PrometheusAddr},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "interval"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		m.Interval = val
	}
	if raw, ok := lookupSetting(settings, "target_pid"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("target_pid: %w", err)
		}
		m.TargetPID = val
	}
	if raw, ok := lookupSetting(settings, "process_markers"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("process_markers: %w", err)
		}
		m.ProcessMarkers = val
	}
	return nil
}

func parseTracingConfig(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"endpoint"}, &t.Endpoint},
		{[]string{"protocol"}, &t.Protocol},
		{[]string{"service_name"}, &t.ServiceName},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "sample_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = val
	}
	return nil
}
