package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// Event levels as set by engine.EventType.Severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned by an async EventBus that drops an event.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventFilter determines if an event should be delivered.
type EventFilter func(event *engine.Event) bool

// PublisherFunc adapts a function to engine.EventPublisher.
type PublisherFunc func(ctx context.Context, event *engine.Event) error

// Publish implements engine.EventPublisher.
func (f PublisherFunc) Publish(ctx context.Context, event *engine.Event) error {
	return f(ctx, event)
}

// EventBus fans run events out to sinks such as the run store and the log.
// It implements engine.EventPublisher.
type EventBus struct {
	config  EventsConfig
	buffer  chan busEntry
	sinks   []sinkEntry
	filters []EventFilter
	logger  zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  chan struct{}
	once    sync.Once
}

type busEntry struct {
	ctx   context.Context
	event *engine.Event
}

type sinkEntry struct {
	name   string
	sink   engine.EventPublisher
	filter EventFilter
}

var _ engine.EventPublisher = (*EventBus)(nil)

// NewEventBus creates an event bus with the given configuration. Sink
// errors in async mode are logged to logger.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger) (*EventBus, error) {
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	bus := &EventBus{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Enabled && cfg.EnableAsync {
		bus.buffer = make(chan busEntry, cfg.BufferSize)
		bus.wg.Add(1)
		go bus.processEvents()
	}

	return bus, nil
}

// Subscribe adds a sink. A nil filter accepts every event.
func (b *EventBus) Subscribe(name string, sink engine.EventPublisher, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks = append(b.sinks, sinkEntry{name: name, sink: sink, filter: filter})
}

// AddFilter adds a filter applied before any sink.
func (b *EventBus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filters = append(b.filters, filter)
}

// Publish delivers the event to every matching sink. In sync mode the
// returned error aggregates sink failures.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !b.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(event) {
			b.mu.RUnlock()
			return nil
		}
	}
	b.mu.RUnlock()

	if b.config.EnableAsync {
		select {
		case <-b.closed:
			return fmt.Errorf("event bus stopped")
		default:
		}
		select {
		case b.buffer <- busEntry{ctx: context.WithoutCancel(ctx), event: event}:
			return nil
		default:
			return ErrEventBufferFull
		}
	}

	return b.deliver(ctx, event)
}

// processEvents drains the buffer in publish order.
func (b *EventBus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case entry := <-b.buffer:
			if err := b.deliver(entry.ctx, entry.event); err != nil {
				b.logger.Warn().Err(err).Str("event", string(entry.event.Type)).Msg("Event delivery failed")
			}
		case <-b.closed:
			for {
				select {
				case entry := <-b.buffer:
					if err := b.deliver(entry.ctx, entry.event); err != nil {
						b.logger.Warn().Err(err).Str("event", string(entry.event.Type)).Msg("Event delivery failed")
					}
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, event *engine.Event) error {
	b.mu.RLock()
	sinks := make([]sinkEntry, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	var result *multierror.Error
	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.sink.Publish(ctx, event); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.name, err))
		}
	}
	return result.ErrorOrNil()
}

// Shutdown stops accepting events and waits for buffered ones to be
// delivered.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.once.Do(func() { close(b.closed) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// LogSink returns a sink that writes each event to logger at the event's
// level.
func LogSink(logger zerolog.Logger) engine.EventPublisher {
	return PublisherFunc(func(_ context.Context, event *engine.Event) error {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.IntentID != "" {
			e = e.Str("intent", event.IntentID)
		}
		e.Msg(event.Message)
		return nil
	})
}

// FilterByLevel creates a filter that only allows events of a specific
// level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}
