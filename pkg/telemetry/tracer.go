package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes set on host spans.
var (
	AttrRunID      = attribute.Key("run.id")
	AttrRunStatus  = attribute.Key("run.status")
	AttrTargetHost = attribute.Key("target.host")
	AttrCommand    = attribute.Key("command")
	AttrIntents    = attribute.Key("intents.total")
	AttrChanged    = attribute.Key("intents.changed")
)

// Tracer owns the tracer provider. An enabled tracer is installed as the
// global provider; the converger gets its tracer from there.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the provider described by cfg.Tracing. A disabled
// tracer never samples and is not installed globally.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
	}

	res, err := traceResource(cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}

	exporter, err := newSpanExporter(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func traceResource(cfg *Config) (*resource.Resource, error) {
	kvs := make([]attribute.KeyValue, 0, 3+len(cfg.ResourceAttributes))
	kvs = append(kvs,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	)
	for k, v := range cfg.ResourceAttributes {
		kvs = append(kvs, attribute.String(k, v))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(kvs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	return res, nil
}

// newSpanExporter returns nil for the none exporter: spans are sampled
// and recorded but go nowhere.
func newSpanExporter(tc TracingConfig) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		if tc.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(tc.ExportTimeout))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unknown exporter %q", tc.Exporter)
}

// StartSpan starts a span named operation.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartHostSpan starts the span covering one host's resolve, gate and
// converge for command (plan, apply or drift).
func (t *Tracer) StartHostSpan(ctx context.Context, host, command string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "ironic_pxe."+command,
		AttrTargetHost.String(host),
		AttrCommand.String(command),
	)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the trace ID of the span in ctx, or "" when the span is
// not sampled.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return ""
	}
	return sc.TraceID().String()
}
