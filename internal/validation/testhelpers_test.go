package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func node(t *testing.T, id string, cfg schema.NodeConfig) schema.WorkflowNode {
	t.Helper()
	n, err := schema.NewNode(id, schema.Position{}, cfg)
	require.NoError(t, err)
	return n
}

func edge(src, dst string) schema.Connection {
	return schema.Connection{ID: src + "->" + dst, SourceNodeID: src, TargetNodeID: dst}
}

func branch(src, port, dst string) schema.Connection {
	return schema.Connection{ID: src + "." + port + "->" + dst, SourceNodeID: src, SourcePort: port, TargetNodeID: dst}
}

// branchingWorkflow is in -> cond -> {a (true), b (false)} -> out.
func branchingWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	return &schema.Workflow{
		ID:   "wf-1",
		Name: "branching",
		Nodes: []schema.WorkflowNode{
			node(t, "in", schema.InputConfig{}),
			node(t, "cond", schema.ConditionConfig{Expression: `input == "yes"`}),
			node(t, "a", schema.ProcessConfig{Prompt: "handle yes"}),
			node(t, "b", schema.ProcessConfig{Prompt: "handle no"}),
			node(t, "out", schema.OutputConfig{}),
		},
		Connections: []schema.Connection{
			edge("in", "cond"),
			branch("cond", schema.PortTrue, "a"),
			branch("cond", schema.PortFalse, "b"),
			edge("a", "out"),
			edge("b", "out"),
		},
	}
}

func hasIssue(issues []schema.ValidationIssue, code, fragment string) bool {
	for _, is := range issues {
		if is.Code == code && containsFold(is.Message, fragment) {
			return true
		}
	}
	return false
}
