// Package tracing provides a minimal span tracer for the Control API and
// engine operations, grounded on the teacher's core.Tracer shape
// (pkg/tracing/otel.go's StartSpan signature) but backed by the structured
// logger rather than OpenTelemetry, since no OTel exporter is wired into
// this deployment.
package tracing

import (
	"context"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
)

// Tracer starts a named span, returning a context carrying it (for nested
// calls that want to add attributes later) and a completion callback that
// records the span's outcome.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

// Noop discards every span.
var Noop Tracer = noopTracer{}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type spanCtxKey struct{}

// LoggingTracer emits a structured log line when a span starts and another
// when it ends, carrying the elapsed duration and any error.
type LoggingTracer struct {
	serviceName string
	attrs map[string]string
	log *logger.Logger
}

// New builds a LoggingTracer tagged with serviceName and resourceAttrs.
func New(serviceName string, resourceAttrs map[string]string, log *logger.Logger) *LoggingTracer {
	if log == nil {
		log = logger.NewDefault("tracing")
	}
	return &LoggingTracer{serviceName: serviceName, attrs: resourceAttrs, log: log}
}

// StartSpan implements Tracer.
func (t *LoggingTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	fields := map[string]interface{}{
		"service": t.serviceName,
		"span": name,
	}
	for k, v := range t.attrs {
		fields[k] = v
	}
	for k, v := range attrs {
		fields[k] = v
	}
	t.log.WithFields(fields).Debug("span started")
	spanCtx := context.WithValue(ctx, spanCtxKey{}, name)
	return spanCtx, func(err error) {
		entry := t.log.WithFields(fields).WithField("duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			entry.WithField("error", err).Warn("span finished with error")
			return
		}
		entry.Debug("span finished")
	}
}

// SpanName returns the most recently started span name carried on ctx, for
// handlers that want to tag their own sub-logs without threading a tracer
// reference through every call.
func SpanName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(spanCtxKey{}).(string)
	return name, ok
}
