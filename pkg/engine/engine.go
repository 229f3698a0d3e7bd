package engine

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/openfroyo/rules/pkg/telemetry"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	invokeNestedFirst bool
	maxParallel       int64
	resolver          Resolver
	logger            *telemetry.Logger
	tracer            *telemetry.Tracer
	metrics           *telemetry.Metrics
	events            *telemetry.EventPublisher
	newRunID          func() string
}

// WithInvokeNestedRulesFirst runs a nested rule's children before the rule's own hooks.
func WithInvokeNestedRulesFirst(enabled bool) Option {
	return func(o *options) { o.invokeNestedFirst = enabled }
}

// WithMaxParallel caps the number of parallel-lane rules running at once.
// Zero or less means no cap.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = int64(n) }
}

// WithResolver makes a dependency lookup available to rules before Initialize.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry wires logging, tracing, metrics, and events from one bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			o.logger = t.Logger
		}
		o.tracer = t.Tracer
		o.metrics = t.Metrics
		o.events = t.Events
	}
}

// WithRunIDFunc overrides run id generation.
func WithRunIDFunc(fn func() string) Option {
	return func(o *options) { o.newRunID = fn }
}

// Engine runs a forest of rules against one model instance.
//
// Runs on the same Engine are serialized: rules are bound to one run at a time.
type Engine[T any] struct {
	opts   options
	logger *telemetry.Logger

	mu          sync.Mutex
	rules       []Rule[T]
	instance    T
	hasInstance bool
	state       RunState

	runMu sync.Mutex
}

// New creates an engine for models of type T.
func New[T any](opts ...Option) *Engine[T] {
	o := options{
		newRunID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewNopLogger()
	}

	return &Engine[T]{
		opts:   o,
		logger: o.logger.NewComponentLogger("engine"),
		state:  RunStateNotStarted,
	}
}

// Attach appends root rules, in order.
func (e *Engine[T]) Attach(rules ...Rule[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rules...)
}

// Rules returns the attached root rules.
func (e *Engine[T]) Rules() []Rule[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule[T](nil), e.rules...)
}

// SetInstance sets the model every run operates on.
func (e *Engine[T]) SetInstance(model T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instance = model
	e.hasInstance = true
}

// Instance returns the model and whether one was set.
func (e *Engine[T]) Instance() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance, e.hasInstance
}

// State returns the state of the current or most recent run.
func (e *Engine[T]) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine[T]) setState(s RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Describe returns the attached forest in execution order.
func (e *Engine[T]) Describe() ([]TreeNode, error) {
	return Describe(e.Rules())
}

// Run executes the forest on the caller's goroutine. Async rules and their
// subtrees are not visited; use RunAsync for them.
func (e *Engine[T]) Run(ctx context.Context) (Results, error) {
	return e.run(ctx, RunModeSync)
}

// RunAsync executes the forest with parallel rules on their own goroutines
// and every other rule one at a time. It returns once every dispatched
// parallel rule has finished.
func (e *Engine[T]) RunAsync(ctx context.Context) (Results, error) {
	return e.run(ctx, RunModeAsync)
}

func (e *Engine[T]) run(ctx context.Context, mode RunMode) (Results, error) {
	e.mu.Lock()
	model, ok := e.instance, e.hasInstance
	rules := append([]Rule[T](nil), e.rules...)
	e.mu.Unlock()

	if !ok || isNil(model) {
		err := NewNoInstanceError().WithOperation(string(mode))
		e.opts.metrics.RecordError(string(err.Class), err.Code)
		e.logger.WithError(err).Error("Run rejected")
		return nil, err
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	runID := e.opts.newRunID()
	logger := e.logger.WithRunID(runID).WithField("mode", string(mode))
	ctx, span := e.opts.tracer.StartRunSpan(ctx, runID, string(mode))
	defer span.End()
	ctx = logger.WithContext(ctx)

	timer := telemetry.NewTimer()
	e.opts.metrics.RecordRunStarted(string(mode))
	_ = e.opts.events.PublishRunStarted(runID, string(mode))
	logger.Infof("Run started with %d root rules", len(rules))

	rc := newRunContext(runID, mode, e.opts.resolver, logger)
	rc.store.onTimeout = func(string) { e.opts.metrics.RecordStoreTimeout() }

	s := newScheduler(e, rc, model)

	e.setState(RunStateInitializing)
	err := s.initialize(ctx, rules, nil)

	var results Results
	if err == nil {
		e.setState(RunStateRunning)
		if mode == RunModeAsync {
			results, err = s.runAsync(ctx, rules)
		} else {
			results, err = s.runGroup(ctx, rules)
		}
	}
	e.setState(RunStateDone)

	duration := timer.Duration()
	status := "succeeded"
	switch {
	case err != nil:
		status = "failed"
	case rc.Terminated():
		status = "terminated"
	}
	e.opts.metrics.RecordRunCompleted(string(mode), status, duration)
	span.SetAttributes(telemetry.AttrRunStatus.String(status))

	if err != nil {
		telemetry.RecordError(span, err)
		if ee, ok := asEngineError(err); ok {
			e.opts.metrics.RecordError(string(ee.Class), ee.Code)
		}
		_ = e.opts.events.PublishRunFailed(runID, err.Error())
		logger.WithError(err).Errorf("Run failed after %s", duration)
		return results, err
	}

	telemetry.RecordSuccess(span)
	_ = e.opts.events.PublishRunCompleted(runID, len(results), duration)
	logger.WithField("status", status).Infof("Run completed with %d results in %s", len(results), duration)
	return results, nil
}

// isNil reports whether a model is a nil pointer, map, slice, or interface.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
