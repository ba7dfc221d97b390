package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindInput     NodeKind = "input"
	NodeKindProcess   NodeKind = "process"
	NodeKindCondition NodeKind = "condition"
	NodeKindOutput    NodeKind = "output"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the state of a node in a run.
type StatusOverlay struct {
	Status string // schema.NodeStatus
	TaskID string // queue task of a process node
	Reason string // why a skipped node was skipped
	Error  string
}

// Edge represents a connection between two nodes. Label is the condition
// branch ("true"/"false") for edges leaving a condition node. Skipped marks
// edges the run did not follow.
type Edge struct {
	From    string
	To      string
	Label   string
	Skipped bool
}
