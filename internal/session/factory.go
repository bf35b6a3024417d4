package session

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/loadscope/internal/config"
	"github.com/torosent/loadscope/internal/extractor"
	"github.com/torosent/loadscope/internal/httpclient"
	"github.com/torosent/loadscope/internal/runner"
)

// Factory creates sessions that share a connection pool but own their cookies.
type Factory struct {
	EntityPath string
	Timeout    time.Duration
	Transport  http.RoundTripper
	Builder    *httpclient.RequestBuilder
	Parser     extractor.ResponseParser
	Recorder   RequestRecorder
	Weights    config.TaskWeights
	Seed       int64
	Logger     *zap.Logger
}

// NewFactory wires a Factory from the run configuration. injector may be nil.
func NewFactory(cfg *config.Config, rec RequestRecorder, injector httpclient.HeaderInjector, logger *zap.Logger) (*Factory, error) {
	builder, err := httpclient.NewRequestBuilder(cfg.Host, injector)
	if err != nil {
		return nil, err
	}
	return &Factory{
		EntityPath: cfg.EntityPath,
		Timeout:    cfg.Timeout,
		Transport:  httpclient.NewTransport(),
		Builder:    builder,
		Parser:     extractor.NewHTMLParser(),
		Recorder:   rec,
		Weights:    cfg.Weights,
		Logger:     logger,
	}, nil
}

// NewUser satisfies runner.Options.NewUser. A session that cannot be built is
// logged and not started.
func (f *Factory) NewUser(id int) runner.User {
	client, err := httpclient.NewSessionClient(f.Timeout, f.Transport)
	if err != nil {
		f.logger().Error("create session client", zap.Int("session", id), zap.Error(err))
		return nil
	}
	s, err := New(id, Options{
		EntityPath: f.EntityPath,
		Client:     client,
		Builder:    f.Builder,
		Parser:     f.Parser,
		Recorder:   f.Recorder,
		Weights:    f.Weights,
		Seed:       f.Seed,
		Logger:     f.Logger,
	})
	if err != nil {
		f.logger().Error("create session", zap.Int("session", id), zap.Error(err))
		return nil
	}
	return s
}

func (f *Factory) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}
