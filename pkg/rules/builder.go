package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/engine"
	"github.com/openfroyo/rules/pkg/telemetry"
)

// Builder turns a pack into engine rules.
type Builder struct {
	evaluator *config.StarlarkEvaluator
	policies  Authorizer
	logger    *telemetry.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithEvaluator sets the Starlark evaluator used by rules without their own
// timeout.
func WithEvaluator(e *config.StarlarkEvaluator) BuilderOption {
	return func(b *Builder) { b.evaluator = e }
}

// WithPolicies sets the policy engine used by rules with a policy gate.
func WithPolicies(a Authorizer) BuilderOption {
	return func(b *Builder) { b.policies = a }
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(l *telemetry.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.evaluator == nil {
		b.evaluator = config.NewStarlarkEvaluator(0)
	}
	if b.logger == nil {
		b.logger = telemetry.NewNopLogger()
	}
	b.logger = b.logger.NewComponentLogger("rules")
	return b
}

// Build compiles every script and condition of the pack and returns the
// root rules in attach order. All problems are reported together as
// config.ValidationErrors.
func (b *Builder) Build(pack *config.Pack) ([]engine.Rule[*Document], error) {
	var errs config.ValidationErrors
	roots := b.buildGroup("", pack.Rules, &errs)
	if len(errs) > 0 {
		for i := range errs {
			errs[i].File = pack.Source
		}
		return nil, errs
	}

	b.logger.WithField("pack", pack.Name).
		Debugf("Built %d rules", pack.CountRules())
	return roots, nil
}

func (b *Builder) buildGroup(prefix string, specs []config.RuleSpec, errs *config.ValidationErrors) []engine.Rule[*Document] {
	out := make([]engine.Rule[*Document], 0, len(specs))
	for i := range specs {
		spec := specs[i]
		path := spec.Name
		if prefix != "" {
			path = prefix + "/" + spec.Name
		}

		rule, err := b.buildRule(path, spec)
		if err != nil {
			*errs = append(*errs, config.ValidationError{
				Path:     path,
				Message:  err.Error(),
				Severity: "error",
			})
		}

		children := b.buildGroup(path, spec.Rules, errs)
		if rule == nil {
			continue
		}
		rule.children = children
		// Configure up front so the forest can be described before a run.
		if err := rule.Initialize(context.Background()); err != nil {
			*errs = append(*errs, config.ValidationError{Path: path, Message: err.Error(), Severity: "error"})
			continue
		}
		out = append(out, rule)
	}
	return out
}

func (b *Builder) buildRule(path string, spec config.RuleSpec) (*ScriptRule, error) {
	timeout, err := spec.ScriptTimeout()
	if err != nil {
		return nil, err
	}
	evaluator := b.evaluator
	if timeout > 0 {
		evaluator = config.NewStarlarkEvaluator(timeout)
	}

	var problems []error
	if spec.Script != "" {
		if err := evaluator.Check(path+".star", spec.Script, "model", "get", "put", "get_async", "rule_name"); err != nil {
			problems = append(problems, err)
		}
	}
	if spec.When != "" {
		if err := evaluator.CheckExpr(spec.When); err != nil {
			problems = append(problems, err)
		}
	}
	if spec.Policy != "" && b.policies == nil {
		problems = append(problems, fmt.Errorf("policy %s requires a policy engine", spec.Policy))
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	spec.Rules = nil
	return &ScriptRule{
		spec:      spec,
		path:      path,
		evaluator: evaluator,
		policies:  b.policies,
	}, nil
}

// EngineOptions returns the engine options a pack asks for.
func EngineOptions(pack *config.Pack) []engine.Option {
	return []engine.Option{
		engine.WithInvokeNestedRulesFirst(pack.Engine.InvokeNestedRulesFirst),
		engine.WithMaxParallel(pack.Engine.MaxParallel),
	}
}

// NewEngine builds the pack and attaches its rules to a new engine. Extra
// options are applied after the pack's own.
func (b *Builder) NewEngine(pack *config.Pack, model *Document, opts ...engine.Option) (*engine.Engine[*Document], error) {
	roots, err := b.Build(pack)
	if err != nil {
		return nil, err
	}

	e := engine.New[*Document](append(EngineOptions(pack), opts...)...)
	e.Attach(roots...)
	if model != nil {
		e.SetInstance(model)
	}
	return e, nil
}

// Run runs e, using RunAsync when the pack asks for it.
func Run(ctx context.Context, e *engine.Engine[*Document], pack *config.Pack) (engine.Results, error) {
	if pack.Engine.Async {
		return e.RunAsync(ctx)
	}
	return e.Run(ctx)
}
