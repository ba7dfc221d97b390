package validation

import (
	"fmt"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (node ids and configs, connection endpoints and ports)
// 2. Semantic (input/output presence, condition branches, expressions compile)
// 3. Graph (cycles, reachability from input nodes, dead ends)
type WorkflowValidator struct {
	conditions expressions.Checker
	transforms expressions.Checker
}

// NewWorkflowValidator creates a WorkflowValidator. conditions compiles
// condition expressions and transforms compiles output transforms; either may
// be nil to skip that check.
func NewWorkflowValidator(conditions, transforms expressions.Checker) *WorkflowValidator {
	return &WorkflowValidator{conditions: conditions, transforms: transforms}
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the graph stage is skipped because the
// edge set cannot be trusted.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructure(wf)
	result.Merge(wv.validateSemantic(wf))
	if !result.Valid() {
		return result
	}
	result.Merge(validateGraph(wf))
	return result
}

// ValidateWorkflow is Validate followed by ToError.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

func nodePath(id string) string { return fmt.Sprintf("nodes[%s]", id) }

func connPath(i int) string { return fmt.Sprintf("connections[%d]", i) }

// validateStructure checks everything that makes the graph well formed.
func validateStructure(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]schema.NodeType, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if err := n.Check(); err != nil {
			result.AddError(nodePath(n.ID), schema.ErrCodeInvalidNode, errMessage(err))
		}
		if n.ID == "" {
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			result.AddError(nodePath(n.ID), schema.ErrCodeInvalidNode,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n.Type()
	}

	type edgeKey struct{ src, port, dst string }
	seen := make(map[edgeKey]bool, len(wf.Connections))

	for i, raw := range wf.Connections {
		c := raw.Normalized()
		path := connPath(i)

		srcType, srcOK := nodes[c.SourceNodeID]
		dstType, dstOK := nodes[c.TargetNodeID]
		if !srcOK {
			result.AddError(path, schema.ErrCodeInvalidConnection,
				fmt.Sprintf("source node %q does not exist", c.SourceNodeID))
		}
		if !dstOK {
			result.AddError(path, schema.ErrCodeInvalidConnection,
				fmt.Sprintf("target node %q does not exist", c.TargetNodeID))
		}
		if !srcOK || !dstOK {
			continue
		}

		if err := CheckConnection(srcType, dstType, c); err != nil {
			result.AddError(path, schema.ErrCodeInvalidConnection, err.Error())
			continue
		}

		key := edgeKey{c.SourceNodeID, c.SourcePort, c.TargetNodeID}
		if seen[key] {
			result.AddError(path, schema.ErrCodeInvalidConnection,
				fmt.Sprintf("duplicate connection %s.%s -> %s", c.SourceNodeID, c.SourcePort, c.TargetNodeID))
			continue
		}
		seen[key] = true
	}

	return result
}

// CheckConnection applies the per-edge rules shared by validation and
// ConnectNodes: input nodes take no incoming edges, output nodes emit none,
// condition nodes emit only on the true/false ports and every other node only
// on the output port. c must be normalized.
func CheckConnection(src, dst schema.NodeType, c schema.Connection) error {
	switch {
	case c.SourceNodeID == c.TargetNodeID:
		return fmt.Errorf("node %q cannot connect to itself", c.SourceNodeID)
	case dst == schema.NodeTypeInput:
		return fmt.Errorf("input node %q cannot have incoming connections", c.TargetNodeID)
	case src == schema.NodeTypeOutput:
		return fmt.Errorf("output node %q cannot have outgoing connections", c.SourceNodeID)
	case c.TargetPort != schema.PortInput:
		return fmt.Errorf("unknown target port %q (want %q)", c.TargetPort, schema.PortInput)
	}

	if src == schema.NodeTypeCondition {
		if c.SourcePort != schema.PortTrue && c.SourcePort != schema.PortFalse {
			return fmt.Errorf("condition node %q emits on ports %q and %q, got %q",
				c.SourceNodeID, schema.PortTrue, schema.PortFalse, c.SourcePort)
		}
		return nil
	}
	if c.SourcePort != schema.PortOutput {
		return fmt.Errorf("%s node %q emits on port %q, got %q", src, c.SourceNodeID, schema.PortOutput, c.SourcePort)
	}
	return nil
}

// validateSemantic checks node-level meaning that needs the whole workflow.
func (wv *WorkflowValidator) validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var inputs, outputs int
	for _, n := range wf.Nodes {
		path := nodePath(n.ID)
		switch n.Type() {
		case schema.NodeTypeInput:
			inputs++
		case schema.NodeTypeOutput:
			outputs++
			cfg, _ := n.Output()
			if cfg.Transform != "" && wv.transforms != nil {
				if err := wv.transforms.Check(cfg.Transform); err != nil {
					result.AddError(path+".config.transform", schema.ErrCodeValidation, errMessage(err))
				}
			}
		case schema.NodeTypeCondition:
			cfg, _ := n.Condition()
			if cfg.Expression != "" && wv.conditions != nil {
				if err := wv.conditions.Check(cfg.Expression); err != nil {
					result.AddError(path+".config.condition", schema.ErrCodeValidation, errMessage(err))
				}
			}
			validateBranches(wf, n.ID, result)
		}
	}

	if inputs == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow requires at least one input node")
	}
	if outputs == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow requires at least one output node")
	}
	return result
}

// validateBranches requires a condition node to have both a true and a false edge.
func validateBranches(wf *schema.Workflow, nodeID string, result *schema.ValidationResult) {
	var hasTrue, hasFalse bool
	for _, c := range wf.Outgoing(nodeID) {
		switch c.Normalized().SourcePort {
		case schema.PortTrue:
			hasTrue = true
		case schema.PortFalse:
			hasFalse = true
		}
	}
	if !hasTrue {
		result.AddError(nodePath(nodeID), schema.ErrCodeValidation,
			fmt.Sprintf("condition node %q has no %q connection", nodeID, schema.PortTrue))
	}
	if !hasFalse {
		result.AddError(nodePath(nodeID), schema.ErrCodeValidation,
			fmt.Sprintf("condition node %q has no %q connection", nodeID, schema.PortFalse))
	}
}

// errMessage strips the code prefix from ConductorErrors so issues read cleanly.
func errMessage(err error) string {
	if ce, ok := err.(*schema.ConductorError); ok {
		return ce.Message
	}
	return err.Error()
}
