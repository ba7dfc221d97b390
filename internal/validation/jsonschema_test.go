package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/pkg/schema"
)

func newDocValidator(t *testing.T) *DocumentValidator {
	t.Helper()
	v, err := NewDocumentValidator()
	require.NoError(t, err)
	return v
}

func decodeYAML(t *testing.T, src string) any {
	t.Helper()
	var doc any
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return doc
}

const validDocument = `
name: triage
nodes:
  - id: in
    type: input
  - id: classify
    type: process
    position: {x: 120, y: 40}
    config:
      prompt: "Classify: ${{input}}"
      priority: 7
  - id: check
    type: condition
    config:
      condition: 'nodes.classify == "bug"'
  - id: out
    type: output
    config:
      transform: ". | tostring"
connections:
  - {source: in, target: classify}
  - {source: classify, target: check}
  - {source: check, source_port: "true", target: out}
  - {source_node_id: check, source_port: "false", target_node_id: out}
`

func TestDocumentValidator_Valid(t *testing.T) {
	assert.NoError(t, newDocValidator(t).ValidateDocument(decodeYAML(t, validDocument)))
}

func TestDocumentValidator_Violations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", "nodes: [{id: a, type: input}]"},
		{"no nodes", "name: x\nnodes: []"},
		{"unknown node type", "name: x\nnodes: [{id: a, type: loop}]"},
		{"process without prompt", "name: x\nnodes: [{id: a, type: process, config: {agent_role: r}}]"},
		{"negative priority", "name: x\nnodes: [{id: a, type: process, config: {prompt: p, priority: -1}}]"},
		{"condition without expression", "name: x\nnodes: [{id: a, type: condition}]"},
		{"unknown top-level key", "name: x\nsteps: []\nnodes: [{id: a, type: input}]"},
		{"connection without target", "name: x\nnodes: [{id: a, type: input}]\nconnections: [{source: a}]"},
	}
	v := newDocValidator(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateDocument(decodeYAML(t, tc.doc))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestDocumentValidator_ViolationsCarryLocation(t *testing.T) {
	err := newDocValidator(t).ValidateDocument(decodeYAML(t, "name: x\nnodes: [{id: a, type: process, config: {}}]"))
	require.Error(t, err)

	var ce *schema.ConductorError
	require.ErrorAs(t, err, &ce)
	violations, ok := ce.Details["violations"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "/nodes/0")
}

func TestDocumentValidator_Empty(t *testing.T) {
	assert.Error(t, newDocValidator(t).ValidateDocument(nil))
}
