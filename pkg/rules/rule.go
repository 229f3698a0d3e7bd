package rules

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/engine"
)

// Names a script reads back after it finishes.
const (
	globalResult = "result"
	globalError  = "error"
	globalData   = "data"
)

// Authorizer evaluates a boolean policy query. *policy.Engine implements it.
type Authorizer interface {
	Allow(ctx context.Context, query string, input interface{}) (bool, error)
}

// ScriptRule is a rule declared in a pack. Its body is a Starlark script
// that sees the model as the dict `model` and reports through the globals
// `result`, `error` and `data`:
//
//	model["discount"] = 0.1 if model["total"] > 1000 else 0
//	put("discount", model["discount"])
//	result = model["discount"]
//
// Besides the model, a script can call get(key), put(key, value),
// get_async(key, timeout=seconds) and rule_name().
type ScriptRule struct {
	engine.BaseRule[*Document]

	spec      config.RuleSpec
	path      string
	evaluator *config.StarlarkEvaluator
	policies  Authorizer
	children  []engine.Rule[*Document]
}

// Path returns the rule's slash-separated path from the root of its pack.
func (r *ScriptRule) Path() string {
	return r.path
}

// Spec returns the declaration the rule was built from, without children.
func (r *ScriptRule) Spec() config.RuleSpec {
	return r.spec
}

// Initialize applies the declaration to the rule's configuration. It runs
// again on every run, so the rule always reflects its spec.
func (r *ScriptRule) Initialize(ctx context.Context) error {
	r.SetName(r.spec.Name)
	r.SetChildren(r.children...)
	r.SetAsync(r.spec.Async)
	r.SetParallel(r.spec.Parallel)

	cfg := r.Configuration()
	cfg.ExecutionOrder = nil
	if r.spec.Order != nil {
		cfg.SetExecutionOrder(*r.spec.Order)
	}
	cfg.Skip = r.spec.Skip
	cfg.Terminate = r.spec.Terminate
	cfg.Constraint = nil

	if r.spec.When != "" || r.spec.Policy != "" {
		if r.spec.Policy != "" && r.policies == nil {
			return engine.NewConfigurationError(
				fmt.Sprintf("policy %s requires a policy engine", r.spec.Policy), nil,
			).WithRule(r.spec.Name).WithOperation("initialize")
		}
		cfg.Constraint = r.constraint(ctx)
	}
	return nil
}

// constraint builds the gate from When and Policy. Both must pass. An
// evaluation error cannot be returned through the gate, so it panics and
// the scheduler reports it as a panicked rule.
func (r *ScriptRule) constraint(ctx context.Context) func(*Document) bool {
	return func(model *Document) bool {
		input := model.Snapshot()

		if r.spec.When != "" {
			ok, err := r.evaluator.EvalBool(ctx, r.spec.When, map[string]interface{}{"model": input})
			if err != nil {
				panic(fmt.Sprintf("when %q: %v", r.spec.When, err))
			}
			if !ok {
				return false
			}
		}

		if r.spec.Policy != "" {
			ok, err := r.policies.Allow(ctx, r.spec.Policy, input)
			if err != nil {
				panic(fmt.Sprintf("policy %s: %v", r.spec.Policy, err))
			}
			if !ok {
				return false
			}
		}
		return true
	}
}

// Invoke runs the script. Changes the script makes to `model` are written
// back key by key once it returns.
func (r *ScriptRule) Invoke(ctx context.Context, model *Document) (*engine.RuleResult, error) {
	if r.spec.Script == "" {
		if len(r.children) > 0 {
			return nil, nil
		}
		return engine.NewResult(r.spec.Name, nil), nil
	}

	before := model.Snapshot()
	res, err := r.evaluator.Execute(ctx, r.path+".star", r.spec.Script,
		map[string]interface{}{"model": before}, r.builtins())
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.path, err)
	}

	if after, ok := res.Inputs["model"].(map[string]interface{}); ok {
		if changed := model.apply(before, after); len(changed) > 0 {
			r.Logger(ctx).WithField("keys", changed).Debug("Model updated")
		}
	}

	return r.result(res.Output)
}

// result maps the script's globals to a rule result.
func (r *ScriptRule) result(output map[string]interface{}) (*engine.RuleResult, error) {
	out := engine.NewResult(r.spec.Name, output[globalResult])

	if v, ok := output[globalError]; ok && v != nil {
		msg, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("rule %s: error must be a string, got %T", r.path, v)
		}
		if msg != "" {
			out.WithError(msg, nil)
		}
	}

	if v, ok := output[globalData]; ok && v != nil {
		data, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("rule %s: data must be a dict, got %T", r.path, v)
		}
		for k, val := range data {
			out.WithData(k, val)
		}
	}
	return out, nil
}

// builtins exposes the run's data store to the script.
func (r *ScriptRule) builtins() starlark.StringDict {
	return starlark.StringDict{
		"get":       starlark.NewBuiltin("get", r.get),
		"put":       starlark.NewBuiltin("put", r.put),
		"get_async": starlark.NewBuiltin("get_async", r.getAsync),
		"rule_name": starlark.NewBuiltin("rule_name", r.ruleName),
	}
}

func (r *ScriptRule) get(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	v, ok := r.TryGet(key)
	if !ok {
		return def, nil
	}
	return config.ToStarlarkValue(v)
}

func (r *ScriptRule) put(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	v, err := config.FromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !r.TryPut(key, v) {
		return nil, fmt.Errorf("%s: rule is not bound to a run", b.Name())
	}
	return starlark.None, nil
}

// getAsync blocks until another rule puts key. The timeout is in seconds;
// zero uses the store default.
func (r *ScriptRule) getAsync(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var timeout starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "timeout?", &timeout); err != nil {
		return nil, err
	}
	seconds, ok := starlark.AsFloat(timeout)
	if !ok {
		return nil, fmt.Errorf("%s: timeout must be a number, got %s", b.Name(), timeout.Type())
	}

	v, err := r.TryGetAsync(config.ThreadContext(thread), key, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return nil, err
	}
	return config.ToStarlarkValue(v)
}

func (r *ScriptRule) ruleName(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(r.spec.Name), nil
}
