package config

import (
	"fmt"
	"strings"
	"time"
)

// Pack is a declarative rule pack: a forest of rules plus the engine
// options it should run with.
type Pack struct {
	// Name identifies the pack (e.g., "customer-onboarding").
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the pack version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Engine holds the engine options for runs of this pack.
	Engine EngineOptions `json:"engine,omitempty" yaml:"engine,omitempty"`

	// Policies lists Rego files or directories, relative to the pack file.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`

	// Rules are the root rules, in attach order.
	Rules []RuleSpec `json:"rules" yaml:"rules" validate:"required,min=1,dive"`

	// Source is the file the pack was loaded from.
	Source string `json:"-" yaml:"-"`
}

// EngineOptions configures the engine a pack runs on.
type EngineOptions struct {
	// Async selects RunAsync instead of Run.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`

	// InvokeNestedRulesFirst runs children before their parent.
	InvokeNestedRulesFirst bool `json:"invoke_nested_rules_first,omitempty" yaml:"invoke_nested_rules_first,omitempty"`

	// MaxParallel caps concurrent parallel rules; zero means no cap.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"gte=0"`
}

// RuleSpec is the declarative form of one rule.
type RuleSpec struct {
	// Name is the result name of the rule.
	Name string `json:"name" yaml:"name" validate:"required,max=128"`

	// Description documents the rule.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Order fixes the rule's position among its siblings.
	Order *int `json:"order,omitempty" yaml:"order,omitempty" validate:"omitempty,gte=0"`

	// Skip disables the rule and its subtree.
	Skip bool `json:"skip,omitempty" yaml:"skip,omitempty"`

	// Terminate stops the run once this rule's subtree has completed.
	Terminate bool `json:"terminate,omitempty" yaml:"terminate,omitempty"`

	// Async marks rules that may wait on the data store.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`

	// Parallel runs the rule on its own goroutine under RunAsync.
	// It implies Async and excludes Order.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty" validate:"excluded_with=Order"`

	// When is a Starlark boolean expression over `model` gating the rule.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Policy is a Rego query (e.g., "data.rules.vip.allow") gating the rule.
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,startswith=data."`

	// Script is the Starlark body of the rule.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Timeout bounds the script (e.g., "2s").
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Rules are the nested rules.
	Rules []RuleSpec `json:"rules,omitempty" yaml:"rules,omitempty" validate:"omitempty,dive"`
}

// ScriptTimeout parses Timeout. A missing timeout returns zero.
func (r *RuleSpec) ScriptTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("rule %s: invalid timeout %q: %w", r.Name, r.Timeout, err)
	}
	return d, nil
}

// Walk visits every rule of the pack depth-first with its path from the root.
func (p *Pack) Walk(fn func(path string, r *RuleSpec)) {
	var walk func(prefix string, rules []RuleSpec)
	walk = func(prefix string, rules []RuleSpec) {
		for i := range rules {
			path := rules[i].Name
			if prefix != "" {
				path = prefix + "/" + path
			}
			fn(path, &rules[i])
			walk(path, rules[i].Rules)
		}
	}
	walk("", p.Rules)
}

// CountRules returns the number of rules at any depth.
func (p *Pack) CountRules() int {
	n := 0
	p.Walk(func(string, *RuleSpec) { n++ })
	return n
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "rules.0.order").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error as file:line:column: message.
func (v ValidationError) String() string {
	var loc string
	switch {
	case v.File != "" && v.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", v.File, v.Line, v.Column)
	case v.File != "":
		loc = v.File + ": "
	}
	if v.Path != "" {
		return fmt.Sprintf("%s%s: %s", loc, v.Path, v.Message)
	}
	return loc + v.Message
}

// ValidationErrors is returned when a pack fails validation.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("%d validation errors: %s", len(ve), strings.Join(msgs, "; "))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// Inputs holds the input values after execution, including mutations.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
