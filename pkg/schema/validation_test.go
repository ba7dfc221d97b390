package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[p1].config.prompt", ErrCodeInvalidNode, "process node requires a prompt")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[p1].config.prompt", r.Errors[0].Path)
	assert.Equal(t, ErrCodeInvalidNode, r.Errors[0].Code)
	assert.Equal(t, "process node requires a prompt", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[out]", ErrCodeValidation, "output node is unreachable")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("connections[c1]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("nodes[x]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[p1].config.prompt", ErrCodeInvalidNode, "process node requires a prompt")

	err := r.ToError()
	require.NotNil(t, err)

	ce, ok := err.(*ConductorError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidWorkflow, ce.Code)
	assert.Equal(t, "process node requires a prompt", ce.Message)
	assert.Equal(t, 1, ce.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	ce, ok := err.(*ConductorError)
	require.True(t, ok)
	assert.Contains(t, ce.Message, "2 errors")
	assert.Equal(t, 2, ce.Details["error_count"])
	assert.Equal(t, 1, ce.Details["warning_count"])
}

func TestValidationResult_JSONIncludesIsValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[x]", ErrCodeValidation, "unreachable")

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["is_valid"])
	assert.Equal(t, []any{}, out["errors"])
	assert.Len(t, out["warnings"], 1)
}
