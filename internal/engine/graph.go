package engine

import (
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

// Graph is the in-memory execution view of a workflow. Built once per run
// from a workflow snapshot; connections are referenced by their index in
// Workflow.Connections so declaration order is preserved.
type Graph struct {
	Nodes  map[string]*schema.WorkflowNode
	Conns  []schema.Connection // normalized
	In     map[string][]int    // node ID → incoming connection indexes
	Out    map[string][]int    // node ID → outgoing connection indexes
	Sorted []string            // topological order
	Inputs []string            // input nodes, sorted
	Levels [][]string          // nodes grouped by longest distance from a root
}

// ParseGraph builds a Graph and checks that the connections form a DAG
// over existing nodes. It does not repeat the checks of the workflow
// validator; callers validate first.
func ParseGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow has no nodes").WithWorkflow(wf.ID)
	}

	g := &Graph{
		Nodes: make(map[string]*schema.WorkflowNode, len(wf.Nodes)),
		Conns: make([]schema.Connection, len(wf.Connections)),
		In:    make(map[string][]int, len(wf.Nodes)),
		Out:   make(map[string][]int, len(wf.Nodes)),
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidNode, "duplicate node id %q", n.ID).
				WithWorkflow(wf.ID).WithNode(n.ID)
		}
		g.Nodes[n.ID] = n
		if n.Type() == schema.NodeTypeInput {
			g.Inputs = append(g.Inputs, n.ID)
		}
	}
	slices.Sort(g.Inputs)

	for i, c := range wf.Connections {
		c = c.Normalized()
		if _, ok := g.Nodes[c.SourceNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConnection,
				"connection %d references unknown source node %q", i, c.SourceNodeID).WithWorkflow(wf.ID)
		}
		if _, ok := g.Nodes[c.TargetNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConnection,
				"connection %d references unknown target node %q", i, c.TargetNodeID).WithWorkflow(wf.ID)
		}
		g.Conns[i] = c
		g.Out[c.SourceNodeID] = append(g.Out[c.SourceNodeID], i)
		g.In[c.TargetNodeID] = append(g.In[c.TargetNodeID], i)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	queue := make([]string, 0)
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := make([]string, 0, len(g.Out[id]))
		for _, ci := range g.Out[id] {
			dst := g.Conns[ci].TargetNodeID
			inDegree[dst]--
			if inDegree[dst] == 0 {
				next = append(next, dst)
			}
		}
		slices.Sort(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").WithWorkflow(wf.ID)
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)
	return g, nil
}

// computeLevels groups nodes by the longest path from a node without
// incoming connections.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, ci := range g.In[id] {
			if src := depth[g.Conns[ci].SourceNodeID] + 1; src > d {
				d = src
			}
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Upstream returns the distinct source nodes of id's incoming connections in
// declaration order.
func (g *Graph) Upstream(id string) []string {
	var out []string
	for _, ci := range g.In[id] {
		src := g.Conns[ci].SourceNodeID
		if !slices.Contains(out, src) {
			out = append(out, src)
		}
	}
	return out
}
