package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring telemetry into a converger.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.ShutdownWithTimeout(time.Second)

	conv := engine.NewConverger(engine.ProviderMap{}, tel.ConvergerOptions()...)
	_ = conv

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("Telemetry ready")
}

// Example_structuredLogging demonstrates run and intent scoped loggers.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(os.Stdout, telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	})

	logger.NewComponentLogger("converger").
		WithHost("ironic01").
		WithRunID("run-123").
		WithIntent("File[/tftpboot]", "directory").
		Debug("Checking intent")

	fmt.Println("debug suppressed at info level")
	// Output:
	// debug suppressed at info level
}

// Example_eventBus demonstrates fanning run events out to a custom sink.
func Example_eventBus() {
	bus, err := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true}, telemetry.FromContext(context.Background()).Zerolog())
	if err != nil {
		panic(err)
	}

	bus.Subscribe("stdout", telemetry.PublisherFunc(func(_ context.Context, e *engine.Event) error {
		fmt.Printf("%s %s %s\n", e.Level, e.Type, e.IntentID)
		return nil
	}), telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	_ = bus.Publish(ctx, &engine.Event{Type: engine.EventTypeIntentChanged, IntentID: "Package[tftp-server]"})
	_ = bus.Publish(ctx, &engine.Event{Type: engine.EventTypeIntentFailed, IntentID: "Service[tftp]"})

	// Output:
	// error intent_failed Service[tftp]
}
