package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks apply.
	SeverityError Severity = "error"

	// SeverityCritical blocks apply.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the set.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a rego module whose deny rules are checked against a resource
// set before it is applied.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Intent is the ID of the offending intent, if the rule names one.
	Intent string `json:"intent,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a set.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Host is the target host name.
	Host string `json:"host,omitempty"`

	// Parameters are the set's pass-through parameters.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Intents is the set rendered as JSON, sensitive values redacted.
	Intents []interface{} `json:"intents"`
}
