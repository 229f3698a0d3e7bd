package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/rules/pkg/telemetry"
	"golang.org/x/sync/semaphore"
)

// scheduler holds the state of a single run.
type scheduler[T any] struct {
	engine *Engine[T]
	rc     *RunContext
	model  T
	lane   *parallelLane
}

// parallelLane collects the parallel rules dispatched during RunAsync.
type parallelLane struct {
	wg  sync.WaitGroup
	sem *semaphore.Weighted

	mu      sync.Mutex
	results Results
	errs    []error
}

func newScheduler[T any](e *Engine[T], rc *RunContext, model T) *scheduler[T] {
	return &scheduler[T]{
		engine: e,
		rc:     rc,
		model:  model,
	}
}

// initialize binds the run to every rule depth-first, calls Initialize, and
// validates the resulting configuration. stack holds the current ancestors.
func (s *scheduler[T]) initialize(ctx context.Context, rules []Rule[T], stack []Rule[T]) error {
	for _, r := range rules {
		if err := checkAncestors(stack, r); err != nil {
			return err
		}

		name := RuleName(r)
		r.Bind(s.rc)
		if err := s.guard(name, "initialize", func() error { return r.Initialize(ctx) }); err != nil {
			return err
		}
		if err := validateRule(r); err != nil {
			return err
		}

		if err := s.initialize(ctx, r.Children(), append(stack, r)); err != nil {
			return err
		}
	}
	return nil
}

// runGroup runs a sibling group one rule at a time. Async rules are left out
// of synchronous runs.
func (s *scheduler[T]) runGroup(ctx context.Context, rules []Rule[T]) (Results, error) {
	var results Results
	for _, r := range orderGroup(rules) {
		if s.lane == nil && r.Capabilities().Async {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		name := RuleName(r)
		ok, err := s.gate(ctx, r, name)
		if err != nil {
			return results, err
		}
		if !ok {
			continue
		}

		res, err := s.execute(ctx, r, name, LaneSequential)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// runAsync runs the root group and joins every parallel rule it dispatched.
func (s *scheduler[T]) runAsync(ctx context.Context, rules []Rule[T]) (Results, error) {
	s.lane = &parallelLane{}
	if n := s.engine.opts.maxParallel; n > 0 {
		s.lane.sem = semaphore.NewWeighted(n)
	}

	results, seqErr := s.runAsyncGroup(ctx, rules)

	// Dispatched rules always run to completion, even after a failure above.
	s.lane.wg.Wait()

	s.lane.mu.Lock()
	results = append(results, s.lane.results...)
	laneErrs := s.lane.errs
	s.lane.mu.Unlock()

	if len(laneErrs) == 0 {
		return results, seqErr
	}

	parErr := NewUnhandledError(
		fmt.Sprintf("%d parallel rules failed", len(laneErrs)), errors.Join(laneErrs...),
	).WithCode(ErrCodeParallelFailed)
	if seqErr != nil {
		return results, errors.Join(seqErr, parErr)
	}
	return results, parErr
}

// runAsyncGroup dispatches the group's parallel rules, then runs the rest
// in order on the current goroutine.
func (s *scheduler[T]) runAsyncGroup(ctx context.Context, rules []Rule[T]) (Results, error) {
	ordered := orderGroup(rules)
	for _, r := range ordered {
		if !parallelEligible(r) {
			continue
		}
		if err := s.dispatch(ctx, r); err != nil {
			return nil, err
		}
	}

	var sequential []Rule[T]
	for _, r := range ordered {
		if !parallelEligible(r) {
			sequential = append(sequential, r)
		}
	}
	return s.runGroup(ctx, sequential)
}

// dispatch evaluates the gate and starts the rule on its own goroutine.
func (s *scheduler[T]) dispatch(ctx context.Context, r Rule[T]) error {
	name := RuleName(r)
	ok, err := s.gate(ctx, r, name)
	if err != nil || !ok {
		return err
	}

	metrics := s.engine.opts.metrics
	s.lane.wg.Add(1)
	go func() {
		defer s.lane.wg.Done()

		metrics.ParallelTaskStarted()
		defer metrics.ParallelTaskFinished()

		res, err := s.execute(ctx, r, name, LaneParallel)
		s.lane.complete(name, res, err)
	}()
	return nil
}

// acquire takes a slot when the lane is capped. A slot covers a rule's own
// hooks only, so nested parallel rules never wait on their parent's slot.
func (l *parallelLane) acquire(ctx context.Context) (func(), error) {
	if l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// complete records a finished parallel rule. A failure is kept both as an
// error for the join and as a result carrying the error.
func (l *parallelLane) complete(name string, res *RuleResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.errs = append(l.errs, err)
		if res == nil {
			res = &RuleResult{Name: name}
		}
		res.Error = &RuleError{Message: err.Error(), Cause: err}
	}
	if res != nil {
		l.results = append(l.results, res)
	}
}

// gate evaluates whether the rule may run. Rules rejected here are not
// invoked and their children are not visited.
func (s *scheduler[T]) gate(ctx context.Context, r Rule[T], name string) (bool, error) {
	cfg := r.Configuration()

	var reason SkipReason
	switch {
	case cfg.Skip:
		reason = SkipReasonFlag
	case s.rc.Terminated():
		reason = SkipReasonTerminated
	default:
		var allowed bool
		err := s.guard(name, "constraint", func() error {
			allowed, reason = cfg.allows(s.model)
			return nil
		})
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}

	s.engine.opts.metrics.RecordRuleSkipped(name, string(reason))
	_ = s.engine.opts.events.PublishRuleSkipped(s.rc.id, name, string(reason))
	s.rc.logger.WithRule(name, r.Capabilities().Variant()).
		WithField("reason", string(reason)).
		Debug("Rule skipped")
	return false, nil
}

// execute runs a rule that passed its gate, together with its children, and
// sets the terminate flag if the rule asks for it.
func (s *scheduler[T]) execute(ctx context.Context, r Rule[T], name string, lane Lane) (*RuleResult, error) {
	caps := r.Capabilities()
	ctx, span := s.engine.opts.tracer.StartRuleSpan(ctx, s.rc.id, name, caps.Variant(), string(lane))
	defer span.End()

	var (
		own      *RuleResult
		children Results
	)
	invokeSelf := func() error {
		if lane == LaneParallel {
			release, err := s.lane.acquire(ctx)
			if err != nil {
				return err
			}
			defer release()
		}
		var err error
		own, err = s.invoke(ctx, r, name, lane)
		return err
	}
	runChildren := func() error {
		if !caps.Nested {
			return nil
		}
		var err error
		if s.lane != nil {
			children, err = s.runAsyncGroup(ctx, r.Children())
		} else {
			children, err = s.runGroup(ctx, r.Children())
		}
		return err
	}

	steps := []func() error{invokeSelf, runChildren}
	if s.engine.opts.invokeNestedFirst {
		steps = []func() error{runChildren, invokeSelf}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			telemetry.RecordError(span, err)
			return assemble(name, own, children, caps.Nested), err
		}
	}

	result := assemble(name, own, children, caps.Nested)

	if r.Configuration().Terminate && s.rc.Terminate() {
		s.engine.opts.metrics.RecordTermination(name)
		_ = s.engine.opts.events.PublishRunTerminated(s.rc.id, name)
		telemetry.AddRuleEvent(span, name, "terminate", "run terminated")
		s.rc.logger.WithRule(name, caps.Variant()).Info("Run terminated by rule")
	}

	telemetry.RecordSuccess(span)
	return result, nil
}

// invoke calls BeforeInvoke, Invoke, and AfterInvoke.
func (s *scheduler[T]) invoke(ctx context.Context, r Rule[T], name string, lane Lane) (*RuleResult, error) {
	o := s.engine.opts
	logger := s.rc.logger.WithRule(name, r.Capabilities().Variant()).WithLane(string(lane))
	ctx = logger.WithContext(ctx)
	timer := telemetry.NewTimer()

	var res *RuleResult
	err := s.guard(name, "before_invoke", func() error { return r.BeforeInvoke(ctx) })
	if err == nil {
		err = s.guard(name, "invoke", func() error {
			var invokeErr error
			res, invokeErr = r.Invoke(ctx, s.model)
			return invokeErr
		})
	}
	if err == nil {
		err = s.guard(name, "after_invoke", func() error { return r.AfterInvoke(ctx) })
	}
	duration := timer.Duration()

	if err != nil {
		o.metrics.RecordRuleInvocation(name, string(lane), string(RuleStatusFailed), duration)
		_ = o.events.PublishRuleFailed(s.rc.id, name, err.Error())
		logger.WithError(err).Error("Rule failed")
		return nil, err
	}

	o.metrics.RecordRuleInvocation(name, string(lane), string(RuleStatusSucceeded), duration)
	_ = o.events.PublishRuleInvoked(s.rc.id, name, string(lane), duration)
	logger.Debugf("Rule invoked in %s", duration)

	if res != nil {
		res.Duration = duration
	}
	return res, nil
}

// guard runs a rule hook, turning returned errors and panics into unhandled errors.
func (s *scheduler[T]) guard(name, operation string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewUnhandledError(fmt.Sprintf("rule panicked: %v", p), nil).
				WithCode(ErrCodeRulePanicked).
				WithRule(name).
				WithOperation(operation)
		}
	}()

	if hookErr := fn(); hookErr != nil {
		var ee *EngineError
		if errors.As(hookErr, &ee) && ee.Class == ErrorClassUnhandled {
			return hookErr
		}
		return NewUnhandledError("rule hook failed", hookErr).
			WithRule(name).
			WithOperation(operation)
	}
	return nil
}

// assemble builds the result recorded for a rule. Nested rules carry their
// children's results as the payload; their own payload moves to Data.
func assemble(name string, own *RuleResult, children Results, nested bool) *RuleResult {
	if !nested {
		if own != nil && own.Name == "" {
			own.Name = name
		}
		return own
	}

	if own == nil {
		own = &RuleResult{Name: name}
	}
	if own.Name == "" {
		own.Name = name
	}
	if own.Result != nil {
		own.WithData(PayloadKey, own.Result)
	}
	own.Result = children
	return own
}

// asEngineError extracts the first engine error from err.
func asEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
