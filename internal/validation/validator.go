package validation

import "github.com/rendis/conductor/pkg/schema"

// Validator checks workflow graphs for correctness before execution.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}
