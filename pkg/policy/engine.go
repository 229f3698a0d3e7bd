package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine holds the Rego policies of a rule pack. It answers rule gating
// queries through Allow and lints packs through EvaluatePack.
//
// Prepared queries are cached per query string and dropped whenever the
// set of enabled policies changes.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	compiler *ast.Compiler
	queries  map[string]rego.PreparedEvalQuery
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a parsed Rego policy.
type compiledPolicy struct {
	policy *Policy
	module *ast.Module
}

// NewEngine creates a policy engine preloaded with the built-in lint policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		queries:  make(map[string]rego.PreparedEvalQuery),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.addLocked(&builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	if err := e.recompileLocked(); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// AddPolicy parses and adds a policy, replacing any policy with the same
// name. The engine is left unchanged when the new set does not compile.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	return e.apply(func() error {
		return e.addLocked(&policy)
	})
}

// LoadPolicies loads policy files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.apply(func() error {
		for i := range policies {
			if err := e.addLocked(&policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non built-in policy for the given set. It is
// the reload function used with Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	return e.apply(func() error {
		for name, cp := range e.policies {
			if !cp.policy.Builtin {
				delete(e.policies, name)
			}
		}
		for i := range policies {
			if err := e.addLocked(&policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
		return nil
	})
}

// apply runs a mutation under the write lock and recompiles, restoring the
// previous policy set if either step fails.
func (e *Engine) apply(mutate func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	saved := make(map[string]*compiledPolicy, len(e.policies))
	for name, cp := range e.policies {
		saved[name] = cp
	}

	err := mutate()
	if err == nil {
		err = e.recompileLocked()
	}
	if err != nil {
		e.policies = saved
		return err
	}
	return nil
}

func (e *Engine) addLocked(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy: policy,
		module: module,
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy parsed")

	return nil
}

// recompileLocked compiles the enabled policies into a single compiler and
// drops every cached query.
func (e *Engine) recompileLocked() error {
	modules := make(map[string]*ast.Module, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			modules[name] = cp.module
		}
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("failed to compile policies: %w", compiler.Errors)
	}

	e.compiler = compiler
	e.queries = make(map[string]rego.PreparedEvalQuery)
	return nil
}

// prepare returns the cached prepared query, preparing it on first use.
func (e *Engine) prepare(ctx context.Context, query string) (rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	pq, ok := e.queries[query]
	compiler := e.compiler
	e.mu.RUnlock()
	if ok {
		return pq, nil
	}

	pq, err := rego.New(
		rego.Query(query),
		rego.Compiler(compiler),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare query %s: %w", query, err)
	}

	e.mu.Lock()
	if e.compiler == compiler {
		e.queries[query] = pq
	}
	e.mu.Unlock()

	return pq, nil
}

// Query evaluates a Rego query against input.
func (e *Engine) Query(ctx context.Context, query string, input interface{}) (rego.ResultSet, error) {
	pq, err := e.prepare(ctx, query)
	if err != nil {
		return nil, err
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	return rs, nil
}

// Allow evaluates a boolean query such as "data.rules.vip.allow". An
// undefined or non-boolean result is a denial, not an error.
func (e *Engine) Allow(ctx context.Context, query string, input interface{}) (bool, error) {
	rs, err := e.Query(ctx, query, input)
	if err != nil {
		return false, err
	}

	allowed := rs.Allowed()
	e.logger.Trace().
		Str("query", query).
		Bool("allowed", allowed).
		Msg("Policy query evaluated")

	return allowed, nil
}

// SetData writes a document under data at path, e.g. "/limits".
func (e *Engine) SetData(ctx context.Context, path string, value interface{}) error {
	p, ok := storage.ParsePath(path)
	if !ok {
		return fmt.Errorf("invalid data path: %s", path)
	}

	op := storage.AddOp
	if _, err := storage.ReadOne(ctx, e.store, p); err == nil {
		op = storage.ReplaceOp
	}
	if err := storage.WriteOne(ctx, e.store, op, p, value); err != nil {
		return fmt.Errorf("failed to write data %s: %w", path, err)
	}
	return nil
}

// EvaluatePack runs the deny and warn sets of every enabled policy against
// a pack input, usually built with PackInput.
func (e *Engine) EvaluatePack(ctx context.Context, input interface{}) (*PolicyResult, error) {
	startTime := time.Now()

	e.mu.RLock()
	type target struct {
		policy *Policy
		pkg    string
	}
	targets := make([]target, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			targets = append(targets, target{cp.policy, cp.module.Package.Path.String()})
		}
	}
	e.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].policy.Name < targets[j].policy.Name })

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(targets)),
		EvaluatedAt:       startTime,
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, t.policy.Name)
		// Modules sharing a package share their deny and warn sets.
		if seen[t.pkg] {
			continue
		}
		seen[t.pkg] = true

		deny, err := e.collect(ctx, t.policy, t.pkg+".deny", input)
		if err != nil {
			return nil, err
		}
		warn, err := e.collect(ctx, t.policy, t.pkg+".warn", input)
		if err != nil {
			return nil, err
		}

		for _, v := range deny {
			if v.Severity.Blocking() {
				result.Allowed = false
			}
		}
		for i := range warn {
			if warn[i].Severity.Blocking() {
				warn[i].Severity = SeverityWarning
			}
		}
		result.Violations = append(result.Violations, deny...)
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Pack policy evaluation completed")

	return result, nil
}

// collect evaluates a set-valued rule and converts each entry.
func (e *Engine) collect(ctx context.Context, policy *Policy, query string, input interface{}) ([]PolicyViolation, error) {
	rs, err := e.Query(ctx, query, input)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", policy.Name, err)
	}

	var violations []PolicyViolation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				violations = append(violations, createViolation(policy, entry))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Rule != violations[j].Rule {
			return violations[i].Rule < violations[j].Rule
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation converts a deny or warn entry. Entries are strings or
// objects with message, severity and rule fields.
func createViolation(policy *Policy, entry interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, val := range v {
			switch key {
			case "message", "msg":
				violation.Message = fmt.Sprint(val)
			case "severity":
				violation.Severity = Severity(strings.ToLower(fmt.Sprint(val)))
			case "rule":
				violation.Rule = fmt.Sprint(val)
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = val
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	return violation
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Queries into a disabled
// policy's package become undefined.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	err := e.apply(func() error {
		cp, exists := e.policies[name]
		if !exists {
			return fmt.Errorf("policy not found: %s", name)
		}
		p := *cp.policy
		p.Enabled = enabled
		e.policies[name] = &compiledPolicy{policy: &p, module: cp.module}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("policy", name).
		Bool("enabled", enabled).
		Msg("Policy state changed")

	return nil
}
