package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/loadscope/internal/config"
	"github.com/torosent/loadscope/internal/dashboard"
	"github.com/torosent/loadscope/internal/httpclient"
	"github.com/torosent/loadscope/internal/metrics"
	"github.com/torosent/loadscope/internal/output"
	"github.com/torosent/loadscope/internal/recorder"
	"github.com/torosent/loadscope/internal/runner"
	"github.com/torosent/loadscope/internal/sampler"
	"github.com/torosent/loadscope/internal/session"
	"github.com/torosent/loadscope/internal/telemetry"
	"github.com/torosent/loadscope/internal/threshold"
	"github.com/torosent/loadscope/internal/tracing"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	p, err := newPipeline(cfg, tp, logger)
	if err != nil {
		return err
	}
	defer p.close()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(p.collector, dashboardConfig(cfg, p.runID), stopRun)
		if err != nil {
			return err
		}
		p.sinks = append(p.sinks, dash)
	}
	var progress *output.ProgressReporter
	if !cfg.JSONOutput && !cfg.Dashboard {
		progress = output.NewProgressReporter(p.collector, progressInterval, stdout)
		p.sinks = append(p.sinks, progress)
	}

	rec := p.newRecorder()
	// Resolve before the clocks start so the process scan does not skew the
	// elapsed column; the recorder reuses the cached result.
	p.resources.ResolveTarget(runCtx)
	// The collector's clock and the recorder's elapsed column share a start.
	p.collector.Start()
	if err := rec.Start(runCtx); err != nil {
		if dash != nil {
			dash.Stop()
		}
		return err
	}
	if dash != nil {
		dash.SetMetricsFile(rec.Path())
		dash.Start()
	}
	if progress != nil {
		progress.Start()
	}

	result, err := p.drive(runCtx, stopRun)

	if stopErr := rec.Stop(); stopErr != nil {
		logger.Error("closing metrics file", zap.Error(stopErr))
	}
	if progress != nil {
		progress.Stop()
	}
	if dash != nil {
		dash.Stop()
	}
	if err != nil {
		return err
	}

	stats := p.collector.Stats(result.Duration)
	info := output.RunInfo{
		RunID:       p.runID,
		Host:        cfg.Host,
		Users:       cfg.Users,
		SpawnRate:   cfg.SpawnRate,
		StartedAt:   p.started,
		MetricsFile: rec.Path(),
		Rows:        rec.Rows(),
		Peaks:       p.history.Peaks(),
	}
	results := threshold.NewEvaluator(thresholds).Evaluate(stats, p.history.Rows())
	info.Thresholds = output.NewThresholdOutcomes(results)
	if err := writeReports(cfg, stdout, stats, info, p.history); err != nil {
		return err
	}

	var errs []error
	if result.Failures > 0 {
		errs = append(errs, fmt.Errorf("%d tasks failed", result.Failures))
	}
	if n := threshold.Failed(results); n > 0 {
		errs = append(errs, fmt.Errorf("%d of %d thresholds failed", n, len(results)))
	}
	return errors.Join(errs...)
}

// pipeline holds the collaborators shared by the runner and the recorder.
type pipeline struct {
	cfg       *config.Config
	logger    *zap.Logger
	runID     string
	started   time.Time
	collector *metrics.Collector
	resources *sampler.ResourceSampler
	counter   *sampler.SQLiteCounter
	history   *output.History
	exporter  *telemetry.Exporter
	listener  net.Listener
	factory   *session.Factory
	tracer    *tracing.Provider
	sinks     []recorder.Sink
}

func newPipeline(cfg *config.Config, tp *tracing.Provider, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{
		cfg:       cfg,
		logger:    logger,
		runID:     ulid.Make().String(),
		started:   time.Now(),
		collector: metrics.NewCollector(),
		history:   output.NewHistory(),
		tracer:    tp,
	}
	p.sinks = append(p.sinks, p.history)

	var rows sampler.RowCounter
	if cfg.Metrics.DatabasePath != "" && cfg.Metrics.EntityTable != "" {
		counter, err := sampler.NewSQLiteCounter(cfg.Metrics.DatabasePath, cfg.Metrics.EntityTable, sampler.DefaultBusyTimeout)
		if err != nil {
			p.close()
			return nil, err
		}
		p.counter = counter
		rows = counter
	}
	p.resources = sampler.New(
		sampler.LocatorFor(cfg.Metrics.TargetPID, cfg.Metrics.ProcessMarkers),
		sampler.SystemSampler{},
		rows,
		logger.Named("sampler"),
	)

	if cfg.Metrics.PrometheusAddr != "" {
		ln, err := telemetry.Listen(cfg.Metrics.PrometheusAddr)
		if err != nil {
			p.close()
			return nil, err
		}
		p.listener = ln
		p.exporter = telemetry.NewExporter(p.runID, p.collector)
		p.sinks = append(p.sinks, p.exporter)
	}

	var injector httpclient.HeaderInjector
	if tp.ShouldPropagate() {
		injector = tracing.HeaderInjector{}
	}
	factory, err := session.NewFactory(cfg, p.collector, injector, logger.Named("session"))
	if err != nil {
		p.close()
		return nil, err
	}
	p.factory = factory
	return p, nil
}

func (p *pipeline) newRecorder() *recorder.Recorder {
	return recorder.New(p.collector, p.resources, recorder.Options{
		Dir:      p.cfg.Metrics.Dir,
		Interval: p.cfg.Metrics.Interval,
		RunID:    p.runID,
		Sinks:    p.sinks,
		Logger:   p.logger.Named("recorder"),
	})
}

// drive runs the users alongside the optional metrics listener. The listener
// stops when the users finish; a listener failure is logged and the run goes on.
func (p *pipeline) drive(ctx context.Context, stop context.CancelFunc) (runner.Result, error) {
	opts := runner.Options{
		Users:     p.cfg.Users,
		SpawnRate: p.cfg.SpawnRate,
		Duration:  p.cfg.Duration,
		Wait:      runner.Between(p.cfg.WaitMin, p.cfg.WaitMax),
		NewUser:   p.factory.NewUser,
		Recorder:  p.collector,
	}
	if p.cfg.LogErrors {
		opts.Logger = zapFailureLogger{logger: p.logger.Named("tasks")}
	}
	if p.tracer.Enabled() {
		opts.Middleware = append(opts.Middleware, tracing.TaskMiddleware(p.tracer.Tracer()))
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.exporter != nil {
		g.Go(func() error {
			if err := p.exporter.Serve(gctx, p.listener, p.logger.Named("telemetry")); err != nil {
				p.logger.Warn("prometheus listener stopped", zap.Error(err))
			}
			return nil
		})
	}

	var result runner.Result
	g.Go(func() error {
		defer stop()
		p.logger.Info("starting load",
			zap.String("run_id", p.runID),
			zap.String("host", p.cfg.Host),
			zap.Int("users", p.cfg.Users),
			zap.Float64("spawn_rate", p.cfg.SpawnRate),
			zap.Duration("duration", p.cfg.Duration))
		result = runner.New(opts).Run(gctx)
		return nil
	})
	err := g.Wait()
	return result, err
}

func (p *pipeline) close() {
	if p.listener != nil {
		// Serve closes it on a normal run.
		_ = p.listener.Close()
	}
	if p.counter != nil {
		if err := p.counter.Close(); err != nil {
			p.logger.Debug("closing row counter", zap.Error(err))
		}
	}
}

func writeReports(cfg *config.Config, stdout io.Writer, stats metrics.Stats, info output.RunInfo, history *output.History) error {
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, stats, info); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, stats, info)
	}

	if cfg.SummaryFile != "" {
		if err := output.WriteSummaryFile(cfg.SummaryFile, output.NewSummary(stats, info)); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if cfg.HTMLReport != "" {
		f, err := os.Create(cfg.HTMLReport)
		if err != nil {
			return fmt.Errorf("create html report: %w", err)
		}
		if err := output.GenerateHTMLReport(f, stats, info, history.Rows()); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func dashboardConfig(cfg *config.Config, runID string) dashboard.TestConfig {
	return dashboard.TestConfig{
		Host:       cfg.Host,
		Users:      cfg.Users,
		SpawnRate:  cfg.SpawnRate,
		Duration:   cfg.Duration,
		Timeout:    cfg.Timeout,
		TargetPID:  cfg.Metrics.TargetPID,
		ConfigFile: cfg.ConfigFile,
		RunID:      runID,
	}
}
