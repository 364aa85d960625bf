package telemetry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event bus of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration. The
// event bus starts with a log sink; callers subscribe further sinks such as
// the run store.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger is NewTelemetry with an already configured logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventBus(cfg.Events, logger.NewComponentLogger("events").Zerolog())
	if err != nil {
		return nil, err
	}
	events.Subscribe("log", LogSink(logger.NewComponentLogger("run").Zerolog()), FilterByLevel(EventLevelWarning))

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// ConvergerOptions returns the options that wire metrics, events and the
// logger into an engine.Converger.
func (t *Telemetry) ConvergerOptions() []engine.ConvergerOption {
	return []engine.ConvergerOption{
		engine.WithLogger(t.Logger.NewComponentLogger("converger").Zerolog()),
		engine.WithMetrics(t.Metrics),
		engine.WithEventPublisher(t.Events),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes traces. Every component is shut down
// even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Logger.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// ShutdownWithTimeout is Shutdown bounded by timeout.
func (t *Telemetry) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Shutdown(ctx)
}

// StartMetricsServer serves metrics until ctx is done. It does nothing when
// no listen address is configured.
func (t *Telemetry) StartMetricsServer(ctx context.Context) (string, error) {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.NewComponentLogger("metrics").Zerolog())
}
