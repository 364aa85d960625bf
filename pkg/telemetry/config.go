package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry setup of one ironic-pxe invocation.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is reported as deployment.environment on traces.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to the trace resource, e.g. the
	// conductor host name.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path. Files are appended to.
	Output string

	EnableCaller bool

	// Sampling keeps the first SamplingInitial messages of each second
	// and every SamplingThereafter-th message after that.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
	NoColor    bool
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves the registry over HTTP. Empty collects
	// metrics without serving them.
	ListenAddress string
	Path          string `validate:"required_with=ListenAddress"`

	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run event bus.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers events from a background goroutine through a
	// buffer of BufferSize. Otherwise Publish delivers to every sink
	// before returning.
	EnableAsync bool
	BufferSize  int `validate:"gte=0,required_if=EnableAsync true"`
}

// DefaultConfig returns the configuration used by the CLI: console logs on
// stderr, no tracing, metrics collected but not served.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ironic-pxe",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "ironic_pxe",
			// Package installs dominate; buckets reach past ten minutes.
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
		ResourceAttributes: map[string]string{},
	}
}

// UnattendedConfig returns the configuration for applies started from a
// timer or a deployment pipeline: JSON logs and sampled OTLP traces.
func UnattendedConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Logging.EnableSampling = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = endpoint
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DebugConfig returns DefaultConfig with debug logs, callers and spans
// printed to stdout.
func DebugConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var configValidator = validator.New()

var fieldLabels = map[string]string{
	"ServiceName":    "service name",
	"ServiceVersion": "service version",
	"Level":          "log level",
	"Format":         "log format",
	"Exporter":       "trace exporter",
	"Endpoint":       "otlp endpoint",
	"SamplingRate":   "trace sampling rate",
	"Path":           "metrics path",
	"BufferSize":     "event buffer size",
}

// Validate checks the configuration. The first failing field is reported.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	fe := verrs[0]
	label, ok := fieldLabels[fe.Field()]
	if !ok {
		label = strings.ToLower(fe.Field())
	}
	if strings.HasPrefix(fe.Tag(), "required") {
		return fmt.Errorf("%s is required", label)
	}
	return fmt.Errorf("invalid %s: %v", label, fe.Value())
}
