// Package policy decides, with OPA, whether a run may start.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Input is what the admission policy sees.
type Input struct {
	Job     JobInput     `json:"job"`
	Profile ProfileInput `json:"profile"`
}

type JobInput struct {
	ID       string `json:"id"`
	Company  string `json:"company"`
	Role     string `json:"role"`
	ATS      string `json:"ats"`
	ApplyURL string `json:"apply_url"`
	Status   string `json:"status,omitempty"`
}

type ProfileInput struct {
	ID        string `json:"id"`
	HasResume bool   `json:"has_resume"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_admission.decision"),
		rego.Module("run_admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy at path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate runs the admission policy. An undefined decision allows the run.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Reason: "default"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy returned %T, want object", results[0].Expressions[0].Value)
	}

	var d Decision
	if allow, ok := obj["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := obj["reason"].(string); ok {
		d.Reason = reason
	}
	return d, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package run_admission

default decision := {"allow": true}

decision := {"allow": false, "reason": "job has no apply url"} if {
	input.job.apply_url == ""
}
`
