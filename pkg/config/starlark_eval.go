package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultScriptTimeout bounds scripts when no timeout is configured.
const DefaultScriptTimeout = 30 * time.Second

// contextKey is the thread-local key holding the evaluation context.
const contextKey = "context"

func init() {
	// Rule bodies branch at top level and assign result more than once.
	resolve.AllowGlobalReassign = true
}

// StarlarkEvaluator executes Starlark rule bodies and conditions.
//
// Scripts see their inputs as predeclared globals together with the struct,
// json and math modules. Execution stops when the context is done or the
// evaluator's timeout elapses.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Timeout returns the evaluator's default timeout.
func (se *StarlarkEvaluator) Timeout() time.Duration {
	return se.timeout
}

// Evaluate executes a script with the given input and returns its globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.Execute(ctx, "rule.star", script, input, nil)
}

// Execute runs script as filename. Builtins are added to the predeclared
// environment and are not reported back in the result.
func (se *StarlarkEvaluator) Execute(ctx context.Context, filename, script string, input map[string]interface{}, builtins starlark.StringDict) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := se.withTimeout(ctx)
	defer cancel()

	predeclared, err := se.predeclared(input, builtins)
	if err != nil {
		return &StarlarkResult{Error: err.Error()}, err
	}

	thread := newThread(evalCtx, filename)
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	result := &StarlarkResult{ExecutionTime: time.Since(startTime)}
	if err != nil {
		err = se.execError(evalCtx, err)
		result.Error = err.Error()
		return result, err
	}

	result.Output, err = exportGlobals(globals)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Inputs = make(map[string]interface{}, len(input))
	for name := range input {
		v, err := FromStarlarkValue(predeclared[name])
		if err != nil {
			return result, fmt.Errorf("failed to convert input %s: %w", name, err)
		}
		result.Inputs[name] = v
	}

	return result, nil
}

// EvalBool evaluates a boolean expression, such as a rule condition.
// Non-boolean results use Starlark truthiness.
func (se *StarlarkEvaluator) EvalBool(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	evalCtx, cancel := se.withTimeout(ctx)
	defer cancel()

	env, err := se.predeclared(input, nil)
	if err != nil {
		return false, err
	}

	thread := newThread(evalCtx, "when")
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	val, err := starlark.Eval(thread, "when", expr, env)
	if err != nil {
		return false, se.execError(evalCtx, err)
	}
	return bool(val.Truth()), nil
}

// Check compiles script without running it. Names in predeclared, the
// evaluator's modules and the Starlark universe resolve; anything else is
// reported as undefined.
func (se *StarlarkEvaluator) Check(filename, script string, predeclared ...string) error {
	known := make(map[string]bool, len(predeclared))
	for _, name := range predeclared {
		known[name] = true
	}
	for name := range modules() {
		known[name] = true
	}

	_, _, err := starlark.SourceProgram(filename, script, func(name string) bool {
		return known[name]
	})
	if err != nil {
		return fmt.Errorf("invalid script %s: %w", filename, err)
	}
	return nil
}

// CheckExpr parses a condition expression.
func (se *StarlarkEvaluator) CheckExpr(expr string) error {
	if _, err := syntax.ParseExpr("when", expr, 0); err != nil {
		return fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	return nil
}

// ThreadContext returns the context a script is running under. Builtins
// use it to bound blocking calls.
func ThreadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (se *StarlarkEvaluator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, se.timeout)
}

func (se *StarlarkEvaluator) predeclared(input map[string]interface{}, builtins starlark.StringDict) (starlark.StringDict, error) {
	predeclared := modules()
	for name, fn := range builtins {
		predeclared[name] = fn
	}

	for key, val := range input {
		starlarkVal, err := ToStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}
	return predeclared, nil
}

// execError reports cancellation in terms of the context rather than the
// interpreter's message.
func (se *StarlarkEvaluator) execError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("starlark execution timeout: %w", ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("starlark execution cancelled: %w", ctx.Err())
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
	}
	return fmt.Errorf("starlark execution failed: %w", err)
}

func modules() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
	}
}

func newThread(ctx context.Context, name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// print is discarded; scripts report through their globals
		},
	}
	thread.SetLocal(contextKey, ctx)
	return thread
}

// exportGlobals converts a script's public globals. Functions and names
// starting with an underscore are left out.
func exportGlobals(globals starlark.StringDict) (map[string]interface{}, error) {
	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := FromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// ToStarlarkValue converts a Go value to a Starlark value.
func ToStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.String(val.String()), nil
	case time.Time:
		return starlark.String(val.Format(time.RFC3339Nano)), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := ToStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			starlarkVal, err := ToStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlarkValue converts a Starlark value to a Go value. Integers
// become int64, tuples and sets become lists, structs become maps.
func FromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large: %s", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Set:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		result := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			goVal, err := FromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			result[string(key)] = goVal
		}
		return result, nil
	case *starlarkstruct.Struct:
		names := val.AttrNames()
		result := make(map[string]interface{}, len(names))
		for _, name := range names {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			goVal, err := FromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			result[name] = goVal
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]interface{}, error) {
	result := make([]interface{}, 0, n)
	iter := it.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		goVal, err := FromStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		result = append(result, goVal)
	}
	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
