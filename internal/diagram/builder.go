package diagram

import (
	"fmt"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and an optional run.
// Topology comes from engine.ParseGraph, so nodes are listed in topological
// order and levels match the order the engine would schedule them in.
func Build(wf *schema.Workflow, run *schema.RunSummary) (*DiagramModel, error) {
	g, err := engine.ParseGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted))
	for _, id := range g.Sorted {
		n := g.Nodes[id]
		node := &Node{ID: id, Label: nodeLabel(n), Kind: NodeKind(n.Type())}
		if run != nil {
			if st, ok := run.Nodes[id]; ok && st != nil {
				node.Status = &StatusOverlay{Status: string(st.Status), TaskID: st.TaskID, Reason: st.Reason, Error: st.Error}
			}
		}
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(g.Conns))
	for _, c := range g.Conns {
		e := Edge{From: c.SourceNodeID, To: c.TargetNodeID}
		if c.SourcePort == schema.PortTrue || c.SourcePort == schema.PortFalse {
			e.Label = c.SourcePort
		}
		e.Skipped = edgeSkipped(run, c)
		edges = append(edges, e)
	}

	return &DiagramModel{
		Title:  title(wf),
		Nodes:  nodes,
		Edges:  edges,
		Levels: g.Levels,
	}, nil
}

// edgeSkipped reports whether a run left c untraversed: the target was
// skipped, or c leaves a condition on the branch that was not taken.
func edgeSkipped(run *schema.RunSummary, c schema.Connection) bool {
	if run == nil {
		return false
	}
	if st, ok := run.Nodes[c.TargetNodeID]; ok && st != nil && st.Status == schema.NodeStatusSkipped {
		return true
	}
	src, ok := run.Nodes[c.SourceNodeID]
	if !ok || src == nil || src.Branch == nil {
		return false
	}
	taken := schema.PortFalse
	if *src.Branch {
		taken = schema.PortTrue
	}
	return c.SourcePort != taken
}

// nodeLabel is the node ID, followed by the agent role for process nodes.
func nodeLabel(n *schema.WorkflowNode) string {
	if p, ok := n.Process(); ok && p.AgentRole != "" {
		return fmt.Sprintf("%s\n(%s)", n.ID, p.AgentRole)
	}
	return n.ID
}

func title(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return "Workflow"
}
