package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Scope holds the values visible to conditions and prompt templates during
// one workflow run. Node values are frozen (deep-copied) when recorded and
// cannot be overwritten.
type Scope struct {
	mu       sync.RWMutex
	input    any            // run input (immutable after init)
	nodes    map[string]any // node ID -> frozen value
	workflow map[string]any // workflow metadata (immutable after init)
}

// NewScope creates a Scope for a run. input and workflow are deep-copied.
func NewScope(input any, workflow map[string]any) *Scope {
	return &Scope{
		input:    deepCopyAny(input),
		nodes:    make(map[string]any),
		workflow: deepCopyMap(workflow),
	}
}

// SetNodeValue records the value produced by a completed node.
func (s *Scope) SetNodeValue(nodeID string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"node %q value already recorded; node values are immutable after completion", nodeID).
			WithNode(nodeID)
	}
	s.nodes[nodeID] = deepCopyAny(value)
	return nil
}

// NodeValue returns the recorded value of a node.
func (s *Scope) NodeValue(nodeID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.nodes[nodeID]
	return deepCopyAny(v), ok
}

// Input returns a copy of the run input.
func (s *Scope) Input() any {
	return deepCopyAny(s.input)
}

// Data builds the variable map for expression evaluation. local is the
// aggregated upstream value of the node being evaluated and is exposed as
// "input".
func (s *Scope) Data(local any) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"input":    deepCopyAny(local),
		"nodes":    deepCopyMap(s.nodes),
		"workflow": s.workflow,
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices. Primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
