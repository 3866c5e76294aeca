package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Job: JobInput{ID: "job-42", ApplyURL: "https://jobs.lever.co/acme/1"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = engine.Evaluate(ctx, Input{Job: JobInput{ID: "job-43"}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "job has no apply url", d.Reason)
}

func TestCustomPolicyFile(t *testing.T) {
	ctx := context.Background()
	policy := `
package run_admission

default decision := {"allow": true}

decision := {"allow": false, "reason": "resume required for workday"} if {
	input.job.ats == "workday"
	not input.profile.has_resume
}
`
	path := filepath.Join(t.TempDir(), "admission.rego")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o600))

	engine, err := NewEngineFromFile(ctx, path)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Job: JobInput{ATS: "workday"}, Profile: ProfileInput{HasResume: false}})
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = engine.Evaluate(ctx, Input{Job: JobInput{ATS: "workday"}, Profile: ProfileInput{HasResume: true}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package run_admission\n decision := {")
	assert.Error(t, err)
}

func TestNewEngineFromFile_Missing(t *testing.T) {
	_, err := NewEngineFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}

func TestExamplePolicyFile(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngineFromFile(ctx, filepath.Join("..", "..", "configs", "admission.rego"))
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Job: JobInput{ApplyURL: "https://jobs.lever.co/acme/1", Status: "closed"}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "job is closed", d.Reason)

	d, err = engine.Evaluate(ctx, Input{Job: JobInput{ApplyURL: "https://jobs.lever.co/acme/1", Status: "open"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
