package agents

import (
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

var validAgentTypes = map[string]bool{
	schema.AgentTypeLLM:      true,
	schema.AgentTypeSystem:   true,
	schema.AgentTypeHuman:    true,
	schema.AgentTypeService:  true,
	schema.AgentTypeExternal: true,
}

// ValidateAgentType checks that typ is one of the valid agent types.
func ValidateAgentType(typ string) error {
	if !validAgentTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent type %q: must be one of llm, system, human, service, external", typ)
	}
	return nil
}

// normalizeAgent fills defaults on a registration and validates it. An
// empty type means llm.
func normalizeAgent(a *schema.Agent) error {
	if strings.TrimSpace(a.ID) != a.ID {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent id %q has surrounding spaces", a.ID)
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Type == "" {
		a.Type = schema.AgentTypeLLM
	}
	return ValidateAgentType(a.Type)
}
