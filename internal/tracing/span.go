package tracing

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/loadscope/internal/runner"
)

const (
	attrTask    = attribute.Key("loadscope.task")
	attrSkipped = attribute.Key("loadscope.skipped")
)

// StartTaskSpan starts a span covering one virtual user task.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, task string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "task "+task,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(attrTask.String(task))
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable. A skipped
// task leaves the status unset.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	switch {
	case errors.Is(err, runner.ErrSkipped):
		span.SetAttributes(attrSkipped.Bool(true))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TaskMiddleware wraps every task in a span. Requests issued by the task carry
// the span's context, so injected headers link server spans to it.
func TaskMiddleware(tracer trace.Tracer) runner.Middleware {
	return func(t runner.Task) runner.Task {
		run := t.Run
		if run == nil {
			return t
		}
		name := t.Name
		t.Run = func(ctx context.Context) error {
			ctx, span := StartTaskSpan(ctx, tracer, name)
			err := run(ctx)
			EndSpan(span, err)
			return err
		}
		return t
	}
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// HeaderInjector adds traceparent and baggage headers to outgoing requests.
type HeaderInjector struct{}

func (HeaderInjector) InjectHeader(ctx context.Context, req *http.Request) error {
	InjectHTTPHeaders(ctx, req.Header)
	return nil
}
