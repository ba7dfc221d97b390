package diagram

import (
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

// Format selects a renderer.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Render builds the model for wf and renders it. An empty format means Mermaid.
func Render(wf *schema.Workflow, run *schema.RunSummary, format Format) (string, error) {
	var render func(*DiagramModel) string
	switch Format(strings.ToLower(string(format))) {
	case FormatMermaid, "":
		render = RenderMermaid
	case FormatASCII:
		render = RenderASCII
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want mermaid or ascii)", format)
	}
	model, err := Build(wf, run)
	if err != nil {
		return "", err
	}
	return render(model), nil
}
