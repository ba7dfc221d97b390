// Package workflowio reads and writes workflow documents in YAML or JSON.
// Documents carry the graph only: id, name, description, nodes and
// connections. Status, timestamps and run history are never exported.
package workflowio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Format is a document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format by file extension. Anything that is not
// .json is treated as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// ParseFormat accepts "yaml", "yml" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown document format %q (want yaml or json)", s)
	}
}

// Document is the serialized form of a workflow.
type Document struct {
	ID          string                `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []schema.WorkflowNode `json:"nodes" yaml:"nodes"`
	Connections []schema.Connection   `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Codec converts between documents and workflows. Safe for concurrent use.
type Codec struct {
	validator *validation.DocumentValidator
}

// NewCodec compiles the document schema.
func NewCodec() (*Codec, error) {
	v, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	return &Codec{validator: v}, nil
}

// Decode parses a YAML or JSON document, checks its structure and returns
// the workflow it describes. Graph-level rules (reachability, cycles,
// expressions) are left to the engine.
func (c *Codec) Decode(data []byte) (*schema.Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}

	// JSON is a subset of YAML, so one parser serves both encodings.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow document: %s", err.Error()).WithCause(err)
	}
	if err := c.validator.ValidateDocument(raw); err != nil {
		return nil, err
	}
	normalizeConnections(raw)

	canonical, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode workflow document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(canonical, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow document: %s", err.Error()).WithCause(err)
	}
	return &schema.Workflow{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Nodes:       doc.Nodes,
		Connections: doc.Connections,
	}, nil
}

// normalizeConnections rewrites the long endpoint keys used by the JSON form
// (source_node_id, target_node_id) to the short keys of the YAML form.
func normalizeConnections(raw any) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return
	}
	conns, _ := doc["connections"].([]any)
	for _, item := range conns {
		conn, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for long, short := range map[string]string{"source_node_id": "source", "target_node_id": "target"} {
			if v, ok := conn[long]; ok {
				if _, set := conn[short]; !set {
					conn[short] = v
				}
				delete(conn, long)
			}
		}
	}
}

// Encode renders a workflow as a document.
func (c *Codec) Encode(wf *schema.Workflow, f Format) ([]byte, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc := Document{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		Nodes:       wf.Nodes,
		Connections: wf.Connections,
	}
	switch f {
	case FormatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode workflow %q: %w", wf.ID, err)
		}
		return append(out, '\n'), nil
	case FormatYAML, "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode workflow %q: %w", wf.ID, err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown document format %q", f)
	}
}

// ReadFile decodes the document at path.
func (c *Codec) ReadFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow document: %w", err)
	}
	wf, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// WriteFile encodes wf to path in the format implied by its extension.
func (c *Codec) WriteFile(path string, wf *schema.Workflow) error {
	data, err := c.Encode(wf, FormatFromPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow document: %w", err)
	}
	return nil
}
