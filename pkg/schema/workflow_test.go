package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleWorkflow() *Workflow {
	return &Workflow{
		ID:   "wf-1",
		Name: "review",
		Nodes: []WorkflowNode{
			{ID: "in", Config: InputConfig{Default: "hello"}},
			{ID: "draft", Position: Position{X: 120, Y: 40}, Config: ProcessConfig{Prompt: "Draft: ${{input}}", AgentRole: "writer", Priority: 7}},
			{ID: "check", Config: ConditionConfig{Expression: `size(nodes.draft) > 3`}},
			{ID: "out", Config: OutputConfig{Transform: ".draft"}},
		},
		Connections: []Connection{
			{ID: "c1", SourceNodeID: "in", TargetNodeID: "draft"},
			{ID: "c2", SourceNodeID: "draft", TargetNodeID: "check"},
			{ID: "c3", SourceNodeID: "check", TargetNodeID: "out", SourcePort: PortTrue},
		},
	}
}

func TestNewNode_RejectsMissingPrompt(t *testing.T) {
	_, err := NewNode("p1", Position{}, ProcessConfig{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidNode))

	var ce *ConductorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "p1", ce.NodeID)
}

func TestNewNode_RejectsNegativePriority(t *testing.T) {
	_, err := NewNode("p1", Position{}, ProcessConfig{Prompt: "draft", Priority: -1})
	assert.True(t, IsCode(err, ErrCodeInvalidNode))

	n, err := NewNode("p2", Position{}, ProcessConfig{Prompt: "draft"})
	require.NoError(t, err)
	assert.Zero(t, n.Config.(ProcessConfig).Priority, "0 leaves the step priority to the engine")
}

func TestNewNode_RejectsMissingCondition(t *testing.T) {
	_, err := NewNode("c1", Position{}, ConditionConfig{Expression: "  "})
	assert.True(t, IsCode(err, ErrCodeInvalidNode))
}

func TestNewNode_RejectsEmptyIDAndNilConfig(t *testing.T) {
	_, err := NewNode("", Position{}, InputConfig{})
	assert.True(t, IsCode(err, ErrCodeInvalidNode))

	_, err = NewNode("x", Position{}, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidNode))
}

func TestNewNode_Valid(t *testing.T) {
	n, err := NewNode("p1", Position{X: 1, Y: 2}, ProcessConfig{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, NodeTypeProcess, n.Type())

	cfg, ok := n.Process()
	require.True(t, ok)
	assert.Equal(t, "go", cfg.Prompt)

	_, ok = n.Condition()
	assert.False(t, ok)
}

func TestWorkflowNode_JSONRoundTripKeepsConfigType(t *testing.T) {
	wf := sampleWorkflow()

	data, err := json.Marshal(wf)
	require.NoError(t, err)

	var got Workflow
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Nodes, 4)

	p, ok := got.Nodes[1].Process()
	require.True(t, ok)
	assert.Equal(t, "writer", p.AgentRole)
	assert.Equal(t, 7, p.Priority)
	assert.Equal(t, Position{X: 120, Y: 40}, got.Nodes[1].Position)

	c, ok := got.Nodes[2].Condition()
	require.True(t, ok)
	assert.Equal(t, `size(nodes.draft) > 3`, c.Expression)
}

func TestWorkflowNode_JSONUsesConditionKey(t *testing.T) {
	data, err := json.Marshal(WorkflowNode{ID: "c", Config: ConditionConfig{Expression: "true"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c","type":"condition","position":{"x":0,"y":0},"config":{"condition":"true"}}`, string(data))
}

func TestWorkflowNode_UnmarshalUnknownType(t *testing.T) {
	var n WorkflowNode
	err := json.Unmarshal([]byte(`{"id":"x","type":"loop"}`), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestWorkflowNode_UnmarshalWithoutConfig(t *testing.T) {
	var n WorkflowNode
	require.NoError(t, json.Unmarshal([]byte(`{"id":"o","type":"output"}`), &n))
	assert.Equal(t, NodeTypeOutput, n.Type())
}

func TestWorkflowNode_YAML(t *testing.T) {
	src := `
id: wf
name: yaml flow
nodes:
  - id: in
    type: input
  - id: step
    type: process
    config:
      prompt: "summarize ${{input}}"
      agent_role: analyst
  - id: out
    type: output
connections:
  - source: in
    target: step
  - source: step
    target: out
`
	var wf Workflow
	require.NoError(t, yaml.Unmarshal([]byte(src), &wf))
	require.Len(t, wf.Nodes, 3)
	p, ok := wf.Nodes[1].Process()
	require.True(t, ok)
	assert.Equal(t, "analyst", p.AgentRole)
	assert.Equal(t, "step", wf.Connections[0].TargetNodeID)

	out, err := yaml.Marshal(&wf)
	require.NoError(t, err)

	var again Workflow
	require.NoError(t, yaml.Unmarshal(out, &again))
	p2, ok := again.Nodes[1].Process()
	require.True(t, ok)
	assert.Equal(t, p, p2)
}

func TestConnection_Normalized(t *testing.T) {
	c := Connection{SourceNodeID: "a", TargetNodeID: "b"}.Normalized()
	assert.Equal(t, PortOutput, c.SourcePort)
	assert.Equal(t, PortInput, c.TargetPort)

	c = Connection{SourcePort: PortFalse}.Normalized()
	assert.Equal(t, PortFalse, c.SourcePort)
}

func TestWorkflow_Lookups(t *testing.T) {
	wf := sampleWorkflow()

	n, ok := wf.Node("check")
	require.True(t, ok)
	assert.Equal(t, NodeTypeCondition, n.Type())

	_, ok = wf.Node("missing")
	assert.False(t, ok)

	assert.Len(t, wf.Incoming("draft"), 1)
	assert.Len(t, wf.Outgoing("check"), 1)
	assert.Empty(t, wf.Incoming("in"))
}

func TestWorkflow_CloneIsIndependent(t *testing.T) {
	wf := sampleWorkflow()
	wf.LastRun = &RunSummary{RunID: "r1", Nodes: map[string]*NodeState{"in": {Status: NodeStatusCompleted}}}

	cp := wf.Clone()
	cp.Nodes[0].ID = "changed"
	cp.Connections = append(cp.Connections, Connection{ID: "c9"})
	cp.LastRun.Nodes["in"].Status = NodeStatusFailed

	assert.Equal(t, "in", wf.Nodes[0].ID)
	assert.Len(t, wf.Connections, 3)
	assert.Equal(t, NodeStatusCompleted, wf.LastRun.Nodes["in"].Status)
}

func TestTask_CloneAndRetryBudget(t *testing.T) {
	task := &Task{ID: "t1", Dependencies: []string{"a"}, MaxRetries: 1}
	cp := task.Clone()
	cp.Dependencies[0] = "b"
	assert.Equal(t, "a", task.Dependencies[0])

	assert.True(t, task.CanRetry())
	task.RetryCount = 1
	assert.False(t, task.CanRetry())
}

func TestConductorError_Format(t *testing.T) {
	err := NewError(ErrCodeTaskNotFound, "no such task").WithTask("t1")
	assert.Equal(t, "[TASK_NOT_FOUND] task t1: no such task", err.Error())

	wrapped := NewErrorf(ErrCodeStore, "save %s", "t1").WithCause(errors.New("disk full"))
	assert.Equal(t, ErrCodeStore, CodeOf(wrapped))
	assert.EqualError(t, errors.Unwrap(wrapped), "disk full")
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}
