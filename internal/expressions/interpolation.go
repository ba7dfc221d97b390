package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// HasPlaceholders reports whether s contains any ${{...}} reference.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, openMarker)
}

// Interpolate resolves ${{...}} references in a prompt template. Supported
// references:
//
//	${{input}}             aggregated upstream value of the node
//	${{input.<path>}}      field of that value
//	${{nodes.<id>}}        value of a completed node
//	${{nodes.<id>.<path>}} field of a node value
//	${{workflow.<field>}}  workflow metadata (id, name, run_id)
//
// Strings are inserted verbatim; other values are JSON-encoded.
func Interpolate(template string, scope *Scope, local any) (string, error) {
	if !HasPlaceholders(template) {
		return template, nil
	}

	var out strings.Builder
	out.Grow(len(template))

	rest := template
	for {
		idx := strings.Index(rest, openMarker)
		if idx == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:idx])
		body := rest[idx+len(openMarker):]

		end := strings.Index(body, closeMarker)
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		ref := strings.TrimSpace(body[:end])
		if strings.Contains(ref, openMarker) {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := resolveRef(ref, scope, local)
		if err != nil {
			return "", err
		}
		out.WriteString(Stringify(val))
		rest = body[end+len(closeMarker):]
	}
	return out.String(), nil
}

func resolveRef(ref string, scope *Scope, local any) (any, error) {
	namespace, path, _ := strings.Cut(ref, ".")
	switch namespace {
	case "input":
		if path == "" {
			return local, nil
		}
		return traversePath(local, path, ref)
	case "nodes":
		id, sub, _ := strings.Cut(path, ".")
		if id == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid node reference %q: expected nodes.<id>[.<field>]", ref)
		}
		v, ok := scope.NodeValue(id)
		if !ok {
			available := scope.nodeIDs()
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"node %q has no value in ${{%s}}; available: [%s]", id, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_nodes": available})
		}
		if sub == "" {
			return v, nil
		}
		return traversePath(v, sub, ref)
	case "workflow":
		if path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid workflow reference %q: expected workflow.<field>", ref)
		}
		return traversePath(scope.workflow, path, ref)
	default:
		available := []string{"input", "nodes", "workflow"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current)
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// Stringify renders a value for inclusion in a prompt.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func (s *Scope) nodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mapKeys(s.nodes)
}

// mapKeys returns the sorted keys of m.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
