package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that make a rule pack unusable.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a pack.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module together with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the lint policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation is a single deny or warn entry produced by a lint policy.
type PolicyViolation struct {
	// Policy is the name of the policy that reported the violation.
	Policy string `json:"policy"`

	// Rule is the path of the offending rule, e.g. "checkout/tax".
	Rule string `json:"rule,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details holds any other fields of the entry.
	Details map[string]interface{} `json:"details,omitempty"`
}

// PolicyResult is the outcome of linting a rule pack.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists the deny entries.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists the warn entries. They never block.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyBundle is a collection of related policies shipped as one JSON file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
