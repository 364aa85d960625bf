package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/eb4x/puppet-ironic/pkg/engine"

// Converger applies resource sets against live system state.
// It executes the DAG level by level, converging independent intents in
// parallel within each level, and never lets one failing intent hide another.
type Converger struct {
	// providers resolves the provider for each intent kind
	providers ProviderRegistry

	// maxParallel is the maximum number of concurrent workers per level
	maxParallel int

	// recorder persists reports, optional
	recorder RunRecorder

	// events publishes timeline events, optional
	events EventPublisher

	// metrics receives measurements, optional
	metrics MetricsRecorder

	logger zerolog.Logger
	tracer trace.Tracer

	// locks serializes writes to the same identifier across concurrent runs
	locks *keyedMutex

	// backoff computes the wait before a retry
	backoff func(attempt int, err error) time.Duration
}

// ConvergerOption configures a Converger.
type ConvergerOption func(*Converger)

// WithMaxParallel sets the worker count per level.
func WithMaxParallel(n int) ConvergerOption {
	return func(c *Converger) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithRecorder sets the run recorder.
func WithRecorder(r RunRecorder) ConvergerOption {
	return func(c *Converger) { c.recorder = r }
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) ConvergerOption {
	return func(c *Converger) { c.events = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ConvergerOption {
	return func(c *Converger) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ConvergerOption {
	return func(c *Converger) { c.logger = l }
}

// WithBackoff replaces the retry backoff function.
func WithBackoff(fn func(attempt int, err error) time.Duration) ConvergerOption {
	return func(c *Converger) { c.backoff = fn }
}

// NewConverger creates a converger over the given providers.
func NewConverger(providers ProviderRegistry, opts ...ConvergerOption) *Converger {
	c := &Converger{
		providers:   providers,
		maxParallel: 10,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		locks:       newKeyedMutex(),
		backoff:     calculateBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// runState tracks a single run.
type runState struct {
	set     *ResourceSet
	graph   *ExecutionGraph
	opts    ApplyOptions
	report  *ConvergenceReport
	logger  zerolog.Logger
	mu      sync.RWMutex
	results map[string]*IntentResult
}

func (r *runState) status(id string) IntentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.results[id].Status
}

func (r *runState) changed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := r.results[id]
	return res.Status == IntentStatusChanged
}

func (r *runState) finish(res *IntentResult, status IntentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.Status = status
}

// Plan checks every intent without applying anything.
func (c *Converger) Plan(ctx context.Context, set *ResourceSet, opts ApplyOptions) (*ConvergenceReport, error) {
	opts.DryRun = true
	return c.Apply(ctx, set, opts)
}

// Apply converges the resource set. The DAG is validated before anything
// is touched; graph errors are returned without a report. Per-intent
// failures are recorded on the report and do not make Apply return an
// error. A missed deadline or cancellation fails the whole run and is
// returned as an error alongside the report.
func (c *Converger) Apply(ctx context.Context, set *ResourceSet, opts ApplyOptions) (*ConvergenceReport, error) {
	if set == nil {
		return nil, NewPermanentError("resource set is nil", nil).WithCode(ErrCodeValidation)
	}

	graph, err := set.Graph()
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	report := &ConvergenceReport{
		RunID:      uuid.New().String(),
		Host:       opts.Host,
		User:       opts.User,
		Status:     RunStatusRunning,
		DryRun:     opts.DryRun,
		StartedAt:  time.Now(),
		Parameters: set.Parameters,
	}

	run := &runState{
		set:     set,
		graph:   graph,
		opts:    opts,
		report:  report,
		logger:  c.logger.With().Str("run_id", report.RunID).Str("host", opts.Host).Logger(),
		results: make(map[string]*IntentResult, set.Len()),
	}
	for _, intent := range set.intents {
		res := &IntentResult{
			ID:     intent.ID(),
			Kind:   intent.Kind,
			State:  intent.State,
			Level:  graph.Nodes[intent.ID()].Level,
			Status: IntentStatusPending,
			Hash:   intent.Hash(),
		}
		run.results[res.ID] = res
		report.Results = append(report.Results, res)
	}

	ctx, span := c.tracer.Start(ctx, "engine.converge",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("run.host", opts.Host),
			attribute.Bool("run.dry_run", opts.DryRun),
			attribute.Int("run.intents", set.Len()),
		))
	defer span.End()

	if c.metrics != nil {
		c.metrics.RecordRunStarted(opts.Host)
	}
	c.publishEvent(ctx, report.RunID, "", EventTypeRunStarted, "Run started")
	run.logger.Info().Int("intents", set.Len()).Int("levels", graph.Depth).Bool("dry_run", opts.DryRun).Msg("Convergence started")

	execErr := c.executeLevels(ctx, run)

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.summarize()

	var runErr error
	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		report.Status = RunStatusFailed
		runErr = NewPermanentError("convergence deadline exceeded", execErr).WithCode(ErrCodeTimeout)
	case errors.Is(execErr, context.Canceled):
		report.Status = RunStatusCancelled
		runErr = NewPermanentError("convergence cancelled", execErr).WithCode(ErrCodeInternal)
	}
	if runErr != nil {
		report.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("run.status", string(report.Status)))

	if c.metrics != nil {
		c.metrics.RecordRunCompleted(string(report.Status), report.Duration)
	}

	if report.Status == RunStatusSucceeded {
		c.publishEvent(ctx, report.RunID, "", EventTypeRunCompleted, "Run completed successfully")
	} else {
		c.publishEvent(ctx, report.RunID, "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", report.Status))
	}

	run.logger.Info().
		Str("status", string(report.Status)).
		Int("changed", report.Summary.Changed).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Convergence finished")

	if c.recorder != nil {
		// The run context may already be past its deadline.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.recorder.RecordRun(recordCtx, report); err != nil {
			recErr := fmt.Errorf("failed to record run: %w", err)
			if runErr != nil {
				return report, errors.Join(runErr, recErr)
			}
			return report, recErr
		}
	}

	return report, runErr
}

// executeLevels executes the graph level by level.
func (c *Converger) executeLevels(ctx context.Context, run *runState) error {
	for level, ids := range run.graph.Levels {
		if err := ctx.Err(); err != nil {
			c.cancelPending(run)
			return err
		}

		failed := c.executeLevelParallel(ctx, run, ids)

		if failed && run.opts.FailFast {
			run.logger.Warn().Int("level", level).Msg("Level failed, cancelling remaining intents")
			c.cancelPending(run)
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		c.cancelPending(run)
		return err
	}
	return nil
}

// executeLevelParallel converges all intents at a level using a worker pool.
// It returns true if any intent at the level failed.
func (c *Converger) executeLevelParallel(ctx context.Context, run *runState, ids []string) bool {
	workerCount := c.maxParallel
	if run.opts.MaxParallel > 0 && run.opts.MaxParallel < workerCount {
		workerCount = run.opts.MaxParallel
	}
	if len(ids) < workerCount {
		workerCount = len(ids)
	}

	workQueue := make(chan string, len(ids))
	for _, id := range ids {
		workQueue <- id
	}
	close(workQueue)

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := false

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workQueue {
				if status := c.convergeIntent(ctx, run, id); status == IntentStatusFailed {
					failedMu.Lock()
					failed = true
					failedMu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	return failed
}

// convergeIntent converges a single intent and records its result.
func (c *Converger) convergeIntent(ctx context.Context, run *runState, id string) IntentStatus {
	intent, _ := run.set.Get(id)
	node := run.graph.Nodes[id]
	res := run.results[id]

	if ctx.Err() != nil {
		run.finish(res, IntentStatusCancelled)
		return IntentStatusCancelled
	}

	if dep := c.failedDependency(run, node); dep != "" {
		res.Error = &ConvergenceFailure{
			Intent: id,
			Cause: NewPermanentError(fmt.Sprintf("dependency %s did not converge", dep), nil).
				WithCode(ErrCodeDependencyFailed).
				WithIntent(id),
		}
		run.finish(res, IntentStatusSkipped)
		run.logger.Warn().Str("intent", id).Str("dependency", dep).Msg("Skipping intent")
		c.recordIntent(intent, IntentStatusSkipped, 0)
		return IntentStatusSkipped
	}

	unlock := c.locks.Lock(run.opts.Host + "\x00" + id)
	defer unlock()

	ctx, span := c.tracer.Start(ctx, "engine.converge_intent",
		trace.WithAttributes(
			attribute.String("intent.id", id),
			attribute.String("intent.kind", string(intent.Kind)),
			attribute.String("intent.ensure", string(intent.State)),
		))
	defer span.End()

	res.StartedAt = time.Now()
	run.finish(res, IntentStatusRunning)

	status, err := c.convergeWithRetry(ctx, run, intent, node, res)
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		res.Error = &ConvergenceFailure{Intent: id, Cause: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.metrics != nil {
			c.metrics.RecordError(string(err.Class), err.Code)
		}
		run.logger.Error().Err(err).Str("intent", id).Int("attempts", res.Attempts).Msg("Intent failed")
		c.publishEvent(ctx, run.report.RunID, id, EventTypeIntentFailed,
			fmt.Sprintf("Failed to converge %s: %v", id, err))
	} else if status == IntentStatusChanged {
		event := EventTypeIntentChanged
		if res.Refreshed {
			event = EventTypeIntentRefreshed
		}
		run.logger.Info().Str("intent", id).Int("changes", len(res.Changes)).Bool("refreshed", res.Refreshed).Msg("Intent changed")
		c.publishEvent(ctx, run.report.RunID, id, event, fmt.Sprintf("Converged %s", id))
	} else {
		run.logger.Debug().Str("intent", id).Msg("Intent in sync")
	}

	span.SetAttributes(attribute.String("intent.status", string(status)))
	run.finish(res, status)
	c.recordIntent(intent, status, res.Duration)
	return status
}

// convergeWithRetry runs check and apply, retrying retryable errors with backoff,
// then refreshes the intent if a subscribed dependency changed.
func (c *Converger) convergeWithRetry(
	ctx context.Context,
	run *runState,
	intent *Intent,
	node *GraphNode,
	res *IntentResult,
) (IntentStatus, *EngineError) {
	id := intent.ID()

	// Anchors hold no state. They pass a refresh from the intents that
	// notify them on to the intents subscribed to them.
	if intent.Kind == KindAnchor {
		if !c.subscribedChanged(run, node) {
			return IntentStatusUnchanged, nil
		}
		markRefreshed(res)
		return IntentStatusChanged, nil
	}

	provider, ok := c.providers.Provider(intent.Kind)
	if !ok {
		return IntentStatusFailed, NewPermanentError(
			fmt.Sprintf("no provider registered for kind %s", intent.Kind), nil,
		).WithCode(ErrCodeNoProvider).WithIntent(id)
	}

	var changes []Change
	var err error
	operation := "check"

	// A dry run changes nothing a retry could observe.
	retries := run.opts.MaxRetries
	if run.opts.DryRun {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		res.Attempts++
		operation = "check"
		changes, err = provider.Check(ctx, intent)
		if err == nil && len(changes) > 0 && !run.opts.DryRun {
			operation = "apply"
			err = provider.Apply(ctx, intent, changes)
		}

		if err == nil || !IsRetryable(err) || attempt >= retries {
			break
		}

		backoff := c.backoff(attempt, err)
		run.logger.Warn().Err(err).Str("intent", id).
			Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Retrying after failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return IntentStatusFailed, classifyError(id, operation, ctx.Err())
		}
	}

	if err != nil {
		return IntentStatusFailed, classifyError(id, operation, err)
	}

	res.Changes = changes
	if len(changes) > 0 {
		return IntentStatusChanged, nil
	}

	// Refresh only intents that were already in sync; a freshly applied
	// service has just been (re)started.
	if intent.State.IsRemoval() || !c.subscribedChanged(run, node) {
		return IntentStatusUnchanged, nil
	}
	refresher, ok := provider.(Refresher)
	if !ok {
		return IntentStatusUnchanged, nil
	}

	if !run.opts.DryRun {
		if err := refresher.Refresh(ctx, intent); err != nil {
			return IntentStatusFailed, classifyError(id, "refresh", err)
		}
	}
	markRefreshed(res)
	return IntentStatusChanged, nil
}

func markRefreshed(res *IntentResult) {
	res.Refreshed = true
	res.Changes = []Change{{Path: "refresh", Action: ChangeActionRefresh}}
}

// failedDependency returns the first dependency that did not succeed.
func (c *Converger) failedDependency(run *runState, node *GraphNode) string {
	for _, dep := range node.Dependencies {
		if !run.status(dep).Succeeded() {
			return dep
		}
	}
	return ""
}

// subscribedChanged reports whether any subscribed dependency changed in this run.
func (c *Converger) subscribedChanged(run *runState, node *GraphNode) bool {
	for _, dep := range node.Subscriptions {
		if run.changed(dep) {
			return true
		}
	}
	return false
}

// cancelPending marks every intent that has not started as cancelled.
func (c *Converger) cancelPending(run *runState) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, res := range run.results {
		if res.Status == IntentStatusPending {
			res.Status = IntentStatusCancelled
		}
	}
}

func (c *Converger) recordIntent(intent *Intent, status IntentStatus, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordIntentConvergence(string(intent.Kind), string(status), d)
	}
}

// calculateBackoff calculates exponential backoff.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (+12.5%)
	return delay + delay/8
}

// publishEvent publishes an execution event synchronously.
func (c *Converger) publishEvent(ctx context.Context, runID, intentID string, eventType EventType, message string) {
	if c.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		IntentID:  intentID,
		Message:   message,
		Level:     eventType.Severity(),
	}

	if err := c.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
