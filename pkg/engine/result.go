package engine

import (
	"strings"
	"time"
)

// PayloadKey holds a nested rule's own payload once its Result carries the
// children's results.
const PayloadKey = "payload"

// RuleError is an error a rule attaches to its own result. It does not stop
// the run; use Results.CollectErrors to inspect it.
type RuleError struct {
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// RuleResult is the outcome of one rule invocation.
type RuleResult struct {
	// Name defaults to the rule's type name.
	Name string `json:"name"`

	// Result is the rule's payload. For nested rules it holds the children's Results.
	Result interface{} `json:"result,omitempty"`

	// Data carries additional values reported by the rule.
	Data map[string]interface{} `json:"data,omitempty"`

	// Error is set when the rule reports a failure.
	Error *RuleError `json:"error,omitempty"`

	// Duration is the time spent in the rule's own hooks.
	Duration time.Duration `json:"duration"`
}

// NewResult creates a result with the given payload.
func NewResult(name string, payload interface{}) *RuleResult {
	return &RuleResult{Name: name, Result: payload}
}

// WithData sets a data field and returns the result.
func (r *RuleResult) WithData(key string, value interface{}) *RuleResult {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = value
	return r
}

// WithError attaches a rule error and returns the result.
func (r *RuleResult) WithError(message string, cause error) *RuleResult {
	r.Error = &RuleError{Message: message, Cause: cause}
	return r
}

// Children returns the nested results, or nil if the payload is not a result collection.
func (r *RuleResult) Children() Results {
	nested, _ := r.Result.(Results)
	return nested
}

// Results is an ordered collection of rule results.
type Results []*RuleResult

// FindByName returns the first top-level result whose name matches,
// ignoring case.
func (rs Results) FindByName(name string) *RuleResult {
	for _, r := range rs {
		if r != nil && strings.EqualFold(r.Name, name) {
			return r
		}
	}
	return nil
}

// FindNested searches depth-first through every nested result collection.
func (rs Results) FindNested(name string) *RuleResult {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if strings.EqualFold(r.Name, name) {
			return r
		}
		if found := r.Children().FindNested(name); found != nil {
			return found
		}
	}
	return nil
}

// CollectErrors returns every result, at any depth, that carries an error.
func (rs Results) CollectErrors() Results {
	var out Results
	for _, r := range rs {
		if r == nil {
			continue
		}
		if r.Error != nil {
			out = append(out, r)
		}
		out = append(out, r.Children().CollectErrors()...)
	}
	return out
}

// Names returns the top-level result names in order.
func (rs Results) Names() []string {
	names := make([]string, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			names = append(names, r.Name)
		}
	}
	return names
}
