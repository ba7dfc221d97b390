package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

// adjacency maps every node id to the distinct targets of its outgoing edges.
// Edges whose endpoints do not exist are ignored (structure catches them).
func adjacency(wf *schema.Workflow) (ids []string, out map[string][]string, inDegree map[string]int) {
	out = make(map[string][]string, len(wf.Nodes))
	inDegree = make(map[string]int, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, dup := inDegree[n.ID]; dup {
			continue
		}
		ids = append(ids, n.ID)
		inDegree[n.ID] = 0
	}

	seen := make(map[[2]string]bool, len(wf.Connections))
	for _, c := range wf.Connections {
		_, srcOK := inDegree[c.SourceNodeID]
		_, dstOK := inDegree[c.TargetNodeID]
		key := [2]string{c.SourceNodeID, c.TargetNodeID}
		if !srcOK || !dstOK || seen[key] {
			continue
		}
		seen[key] = true
		out[c.SourceNodeID] = append(out[c.SourceNodeID], c.TargetNodeID)
		inDegree[c.TargetNodeID]++
	}
	return ids, out, inDegree
}

// DetectCycle runs Kahn's algorithm over the workflow's connections and
// returns the sorted ids of nodes that could not be ordered, or nil when the
// graph is acyclic. Self-loops count as cycles.
func DetectCycle(wf *schema.Workflow) []string {
	ids, out, inDegree := adjacency(wf)

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(ids) {
		return nil
	}
	var stuck []string
	for _, id := range ids {
		if inDegree[id] > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// ReachableFromInputs returns the set of nodes reachable from any input node
// (input nodes included), via BFS over outgoing edges.
func ReachableFromInputs(wf *schema.Workflow) map[string]bool {
	_, out, _ := adjacency(wf)

	reachable := make(map[string]bool, len(wf.Nodes))
	var queue []string
	for _, n := range wf.Nodes {
		if n.Type() == schema.NodeTypeInput && !reachable[n.ID] {
			reachable[n.ID] = true
			queue = append(queue, n.ID)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range out[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

// validateGraph checks for cycles, unreachable nodes and dead ends.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if stuck := DetectCycle(wf); stuck != nil {
		result.AddError("connections", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a cycle through nodes [%s]", strings.Join(stuck, ", ")))
		return result // cycle makes reachability analysis meaningless
	}

	reachable := ReachableFromInputs(wf)
	_, out, _ := adjacency(wf)

	for _, n := range wf.Nodes {
		if !reachable[n.ID] {
			result.AddError(nodePath(n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any input node", n.ID))
			continue
		}
		if n.Type() != schema.NodeTypeOutput && len(out[n.ID]) == 0 {
			result.AddWarning(nodePath(n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is a dead end: its value never reaches an output node", n.ID))
		}
	}

	return result
}
