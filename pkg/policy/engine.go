package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// Engine compiles rego policies and evaluates them against resource sets.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateSet checks every enabled policy against the set. A policy that
// fails to evaluate is reported as a warning and does not block.
func (e *Engine) EvaluateSet(ctx context.Context, host string, set *engine.ResourceSet) (*Result, error) {
	startTime := time.Now()

	input, err := buildInput(host, set)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		if cp := e.policies[name]; cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(compiled)),
	}

	for _, cp := range compiled {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	sortViolations(result.Violations)
	sortViolations(result.Warnings)
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("host", host).
		Int("intents", set.Len()).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Gate evaluates the set and returns a permanent POLICY_DENIED error when
// any blocking violation is found. Warnings are logged.
func (e *Engine) Gate(ctx context.Context, host string, set *engine.ResourceSet) (*Result, error) {
	result, err := e.EvaluateSet(ctx, host, set)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("host", host).
			Str("policy", w.Policy).
			Str("intent", w.Intent).
			Msg(w.Message)
	}

	if result.Allowed {
		return result, nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, v.String())
	}
	denied := engine.NewPermanentError(
		fmt.Sprintf("policy denied: %s", strings.Join(msgs, "; ")), nil,
	).WithCode(engine.ErrCodePolicyDenied)
	if len(result.Violations) == 1 && result.Violations[0].Intent != "" {
		denied = denied.WithIntent(result.Violations[0].Intent)
	}
	return result, denied
}

// String renders the violation for logs and errors.
func (v Violation) String() string {
	if v.Intent == "" {
		return fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Policy, v.Intent, v.Message)
}

// LoadPolicies loads policy files and directories on top of the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and stores policies, replacing any with the same
// name. Nothing is stored if one fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies resets the engine to the built-ins plus the given
// policies. It is the reload callback for Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	fresh := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	if err := fresh.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if err := fresh.AddPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = fresh.policies
	return nil
}

// evaluatePolicy runs a policy's deny query against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation reads a deny entry. Entries are either a message string
// or an object with message, and optionally severity and intent.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if id, ok := v["intent"].(string); ok {
			violation.Intent = id
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses the module and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	filename := policy.Name + ".rego"
	module, err := ast.ParseModule(filename, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(filename, policy.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
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

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// buildInput renders the set the way it is shown to users, so policies see
// the same IDs, states and redacted attributes.
func buildInput(host string, set *engine.ResourceSet) (*Input, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource set: %w", err)
	}
	input := &Input{Host: host}
	if err := json.Unmarshal(data, input); err != nil {
		return nil, fmt.Errorf("failed to decode resource set: %w", err)
	}
	if input.Intents == nil {
		input.Intents = []interface{}{}
	}
	return input, nil
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Policy != vs[j].Policy {
			return vs[i].Policy < vs[j].Policy
		}
		if vs[i].Intent != vs[j].Intent {
			return vs[i].Intent < vs[j].Intent
		}
		return vs[i].Message < vs[j].Message
	})
}
