package engine

import (
	"context"
	"time"

	"github.com/openfroyo/rules/pkg/telemetry"
)

// Capabilities describes how the scheduler may run a rule.
type Capabilities struct {
	// Nested is true when the rule has children.
	Nested bool

	// Parallel marks the rule as eligible for the parallel lane of RunAsync.
	// It is ignored when the rule has an ExecutionOrder and requires Async.
	Parallel bool

	// Async marks rules whose hooks may block, for example on TryGetAsync.
	// Async rules only run under RunAsync.
	Async bool
}

// Variant names the rule kind for logs and metrics labels.
func (c Capabilities) Variant() string {
	switch {
	case c.Nested && c.Async:
		return "nested_async"
	case c.Nested:
		return "nested_sequential"
	case c.Async:
		return "async"
	default:
		return "sequential"
	}
}

// Rule is a single executable unit of the rule forest.
//
// Most implementations embed BaseRule and only provide Invoke.
type Rule[T any] interface {
	// Configuration returns the rule's mutable configuration.
	Configuration() *Configuration[T]

	// Capabilities returns the rule's capability record.
	Capabilities() Capabilities

	// Children returns the nested rules, in attach order.
	Children() []Rule[T]

	// Bind attaches the rule to a run before Initialize is called.
	Bind(rc *RunContext)

	// Initialize runs once per run, before ordering is computed.
	Initialize(ctx context.Context) error

	BeforeInvoke(ctx context.Context) error
	Invoke(ctx context.Context, model T) (*RuleResult, error)
	AfterInvoke(ctx context.Context) error
}

// Named is implemented by rules that report a result name other than their type name.
type Named interface {
	RuleName() string
}

// BaseRule provides the configuration, children, run binding and data store
// access shared by all rules. The zero value is ready to use.
type BaseRule[T any] struct {
	name     string
	config   Configuration[T]
	children []Rule[T]
	async    bool
	parallel bool
	run      *RunContext
}

// Configuration returns the rule's configuration.
func (b *BaseRule[T]) Configuration() *Configuration[T] {
	return &b.config
}

// Capabilities returns the capability record derived from the rule's flags.
func (b *BaseRule[T]) Capabilities() Capabilities {
	return Capabilities{
		Nested:   len(b.children) > 0,
		Parallel: b.parallel,
		Async:    b.async,
	}
}

// Children returns the nested rules.
func (b *BaseRule[T]) Children() []Rule[T] {
	return b.children
}

// AddChildren appends nested rules.
func (b *BaseRule[T]) AddChildren(rules ...Rule[T]) {
	b.children = append(b.children, rules...)
}

// SetChildren replaces the nested rules. Initialize implementations should
// prefer it over AddChildren since Initialize runs on every run.
func (b *BaseRule[T]) SetChildren(rules ...Rule[T]) {
	b.children = append([]Rule[T](nil), rules...)
}

// SetAsync marks the rule as async.
func (b *BaseRule[T]) SetAsync(async bool) {
	b.async = async
	if !async {
		b.parallel = false
	}
}

// SetParallel marks the rule for the parallel lane. Parallel rules are async.
func (b *BaseRule[T]) SetParallel(parallel bool) {
	b.parallel = parallel
	if parallel {
		b.async = true
	}
}

// SetName overrides the result name.
func (b *BaseRule[T]) SetName(name string) {
	b.name = name
}

// RuleName returns the name set with SetName, or "" for the type name.
func (b *BaseRule[T]) RuleName() string {
	return b.name
}

// Bind attaches the rule to a run.
func (b *BaseRule[T]) Bind(rc *RunContext) {
	b.run = rc
}

// RunContext returns the run the rule is bound to, or nil.
func (b *BaseRule[T]) RunContext() *RunContext {
	return b.run
}

// Initialize is a no-op.
func (b *BaseRule[T]) Initialize(ctx context.Context) error { return nil }

// BeforeInvoke is a no-op.
func (b *BaseRule[T]) BeforeInvoke(ctx context.Context) error { return nil }

// AfterInvoke is a no-op.
func (b *BaseRule[T]) AfterInvoke(ctx context.Context) error { return nil }

// Logger returns the run logger, or a context logger when unbound.
func (b *BaseRule[T]) Logger(ctx context.Context) *telemetry.Logger {
	if b.run != nil && b.run.logger != nil {
		return b.run.logger
	}
	return telemetry.FromContext(ctx)
}

// Resolve looks up a dependency configured on the engine.
func (b *BaseRule[T]) Resolve(name string) (interface{}, bool) {
	if b.run == nil {
		return nil, false
	}
	return b.run.Resolve(name)
}

// TryGet reads a value written by an earlier rule of the run.
func (b *BaseRule[T]) TryGet(key string) (interface{}, bool) {
	if b.run == nil {
		return nil, false
	}
	return b.run.store.Get(key)
}

// TryPut writes a value for later rules of the run. It returns false when
// the rule is not bound to a run.
func (b *BaseRule[T]) TryPut(key string, value interface{}) bool {
	if b.run == nil {
		return false
	}
	b.run.store.Put(key, value)
	return true
}

// TryGetAsync waits for a value that may be produced by a concurrent rule.
func (b *BaseRule[T]) TryGetAsync(ctx context.Context, key string, timeout time.Duration) (interface{}, error) {
	if b.run == nil {
		return nil, NewConfigurationError("rule is not bound to a run", nil).WithOperation("get_async")
	}
	return b.run.store.GetAsync(ctx, key, timeout)
}

// TryPutAsync computes a value on its own goroutine and commits it for
// readers blocked in TryGetAsync. It returns false when the rule is unbound.
func (b *BaseRule[T]) TryPutAsync(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) bool {
	if b.run == nil {
		return false
	}
	b.run.store.PutFunc(ctx, key, fn)
	return true
}
