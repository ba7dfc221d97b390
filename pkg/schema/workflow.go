package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeInput     NodeType = "input"
	NodeTypeProcess   NodeType = "process"
	NodeTypeCondition NodeType = "condition"
	NodeTypeOutput    NodeType = "output"
)

// Port names. Condition nodes emit on PortTrue/PortFalse; every other node
// emits on PortOutput.
const (
	PortOutput = "output"
	PortInput  = "input"
	PortTrue   = "true"
	PortFalse  = "false"
)

// Workflow is a named, mutable graph of typed nodes.
type Workflow struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Status      WorkflowStatus `json:"status" yaml:"status,omitempty"`
	Nodes       []WorkflowNode `json:"nodes" yaml:"nodes"`
	Connections []Connection   `json:"connections" yaml:"connections"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
	LastRun     *RunSummary    `json:"last_run,omitempty" yaml:"-"`
}

// Node returns the node with the given ID.
func (w *Workflow) Node(id string) (*WorkflowNode, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Incoming returns the connections targeting nodeID, in declaration order.
func (w *Workflow) Incoming(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.TargetNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Outgoing returns the connections leaving nodeID, in declaration order.
func (w *Workflow) Outgoing(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.SourceNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the workflow structure.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Nodes = append([]WorkflowNode(nil), w.Nodes...)
	cp.Connections = append([]Connection(nil), w.Connections...)
	if w.LastRun != nil {
		cp.LastRun = w.LastRun.Clone()
	}
	return &cp
}

// Connection is a directed edge between two node ports.
type Connection struct {
	ID           string `json:"id" yaml:"id,omitempty"`
	SourceNodeID string `json:"source_node_id" yaml:"source"`
	TargetNodeID string `json:"target_node_id" yaml:"target"`
	SourcePort   string `json:"source_port" yaml:"source_port,omitempty"`
	TargetPort   string `json:"target_port" yaml:"target_port,omitempty"`
}

// Normalized returns the connection with default port names applied.
func (c Connection) Normalized() Connection {
	if c.SourcePort == "" {
		c.SourcePort = PortOutput
	}
	if c.TargetPort == "" {
		c.TargetPort = PortInput
	}
	return c
}

// Position is the canvas location of a node. It has no execution meaning.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeConfig is the per-type configuration of a node. Exactly one of
// InputConfig, ProcessConfig, ConditionConfig or OutputConfig.
type NodeConfig interface {
	NodeType() NodeType
	check() error
}

// InputConfig seeds a run. Default is used when the run is started without input.
type InputConfig struct {
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// ProcessConfig materializes the node as a task.
type ProcessConfig struct {
	Prompt    string `json:"prompt" yaml:"prompt"`
	AgentRole string `json:"agent_role,omitempty" yaml:"agent_role,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"` // 0 = engine default
}

// ConditionConfig selects the true or false branch.
type ConditionConfig struct {
	Expression string `json:"condition" yaml:"condition"`
}

// OutputConfig records the final value. Transform is an optional jq program
// applied to the aggregated value.
type OutputConfig struct {
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

func (InputConfig) NodeType() NodeType     { return NodeTypeInput }
func (ProcessConfig) NodeType() NodeType   { return NodeTypeProcess }
func (ConditionConfig) NodeType() NodeType { return NodeTypeCondition }
func (OutputConfig) NodeType() NodeType    { return NodeTypeOutput }

func (InputConfig) check() error { return nil }

func (c ProcessConfig) check() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return fmt.Errorf("process node requires a prompt")
	}
	if c.Priority < 0 {
		return fmt.Errorf("process node priority must be >= 0")
	}
	return nil
}

func (c ConditionConfig) check() error {
	if strings.TrimSpace(c.Expression) == "" {
		return fmt.Errorf("condition node requires a condition expression")
	}
	return nil
}

func (OutputConfig) check() error { return nil }

// WorkflowNode is one typed step of a workflow.
type WorkflowNode struct {
	ID       string
	Position Position
	Config   NodeConfig
}

// NewNode builds a node and checks its configuration.
func NewNode(id string, pos Position, cfg NodeConfig) (WorkflowNode, error) {
	n := WorkflowNode{ID: id, Position: pos, Config: cfg}
	if err := n.Check(); err != nil {
		return WorkflowNode{}, err
	}
	return n, nil
}

// Check validates the node ID and its type-specific configuration.
func (n WorkflowNode) Check() error {
	if n.ID == "" {
		return NewError(ErrCodeInvalidNode, "node id is required")
	}
	if n.Config == nil {
		return NewError(ErrCodeInvalidNode, "node config is required").WithNode(n.ID)
	}
	if err := n.Config.check(); err != nil {
		return NewError(ErrCodeInvalidNode, err.Error()).WithNode(n.ID)
	}
	return nil
}

// Type returns the node type derived from its config.
func (n WorkflowNode) Type() NodeType {
	if n.Config == nil {
		return ""
	}
	return n.Config.NodeType()
}

// Process returns the process config when the node is a process node.
func (n WorkflowNode) Process() (ProcessConfig, bool) {
	c, ok := n.Config.(ProcessConfig)
	return c, ok
}

// Condition returns the condition config when the node is a condition node.
func (n WorkflowNode) Condition() (ConditionConfig, bool) {
	c, ok := n.Config.(ConditionConfig)
	return c, ok
}

// Input returns the input config when the node is an input node.
func (n WorkflowNode) Input() (InputConfig, bool) {
	c, ok := n.Config.(InputConfig)
	return c, ok
}

// Output returns the output config when the node is an output node.
func (n WorkflowNode) Output() (OutputConfig, bool) {
	c, ok := n.Config.(OutputConfig)
	return c, ok
}

// --- serialization ---

type nodeJSON struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func (n WorkflowNode) MarshalJSON() ([]byte, error) {
	doc := nodeJSON{ID: n.ID, Type: n.Type(), Position: n.Position}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		doc.Config = raw
	}
	return json.Marshal(doc)
}

func (n *WorkflowNode) UnmarshalJSON(data []byte) error {
	var doc nodeJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	cfg, err := decodeNodeConfig(doc.Type, func(target any) error {
		if len(doc.Config) == 0 || string(doc.Config) == "null" {
			return nil
		}
		return json.Unmarshal(doc.Config, target)
	})
	if err != nil {
		return fmt.Errorf("node %q: %w", doc.ID, err)
	}
	*n = WorkflowNode{ID: doc.ID, Position: doc.Position, Config: cfg}
	return nil
}

type nodeYAML struct {
	ID       string    `yaml:"id"`
	Type     NodeType  `yaml:"type"`
	Position Position  `yaml:"position,omitempty"`
	Config   yaml.Node `yaml:"config,omitempty"`
}

func (n WorkflowNode) MarshalYAML() (any, error) {
	out := struct {
		ID       string     `yaml:"id"`
		Type     NodeType   `yaml:"type"`
		Position Position   `yaml:"position,omitempty"`
		Config   NodeConfig `yaml:"config,omitempty"`
	}{ID: n.ID, Type: n.Type(), Position: n.Position, Config: n.Config}
	return out, nil
}

func (n *WorkflowNode) UnmarshalYAML(value *yaml.Node) error {
	var doc nodeYAML
	if err := value.Decode(&doc); err != nil {
		return err
	}
	cfg, err := decodeNodeConfig(doc.Type, func(target any) error {
		if doc.Config.Kind == 0 {
			return nil
		}
		return doc.Config.Decode(target)
	})
	if err != nil {
		return fmt.Errorf("node %q: %w", doc.ID, err)
	}
	*n = WorkflowNode{ID: doc.ID, Position: doc.Position, Config: cfg}
	return nil
}

func decodeNodeConfig(typ NodeType, decode func(target any) error) (NodeConfig, error) {
	switch typ {
	case NodeTypeInput:
		var c InputConfig
		if err := decodeInto(decode, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeProcess:
		var c ProcessConfig
		if err := decodeInto(decode, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeCondition:
		var c ConditionConfig
		if err := decodeInto(decode, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeOutput:
		var c OutputConfig
		if err := decodeInto(decode, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", typ)
	}
}

func decodeInto(decode func(target any) error, target any) error {
	if err := decode(target); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// --- run summaries ---

// NodeState is the per-run state of a single node.
type NodeState struct {
	Status NodeStatus `json:"status"`
	TaskID string     `json:"task_id,omitempty"`
	Value  any        `json:"value,omitempty"`
	Branch *bool      `json:"branch,omitempty"` // condition outcome
	Error  string     `json:"error,omitempty"`
	Reason string     `json:"reason,omitempty"` // why a node was skipped
}

// RunSummary records the outcome of the latest run of a workflow.
type RunSummary struct {
	RunID       string                `json:"run_id"`
	Status      WorkflowStatus        `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Nodes       map[string]*NodeState `json:"nodes"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Clone returns a copy of the summary with its maps duplicated.
func (r *RunSummary) Clone() *RunSummary {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		cp.CompletedAt = &ts
	}
	cp.Nodes = make(map[string]*NodeState, len(r.Nodes))
	for id, st := range r.Nodes {
		s := *st
		cp.Nodes[id] = &s
	}
	if r.Output != nil {
		cp.Output = make(map[string]any, len(r.Output))
		for k, v := range r.Output {
			cp.Output[k] = v
		}
	}
	return &cp
}
