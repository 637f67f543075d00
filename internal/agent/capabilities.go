package agent

import (
	"encoding/json"

	"github.com/halcyon-chat/halcyon/internal/llm"
	"github.com/halcyon-chat/halcyon/internal/toolserver"
)

// emptySchema stands in for tools that declare no input schema; the
// provider rejects function definitions without one.
var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// capabilityTools converts the broker's catalog into provider function
// definitions. Tool names are already namespaced, so the model's calls
// route back to the owning server unchanged.
func capabilityTools(catalog []toolserver.Tool) []llm.Tool {
	if len(catalog) == 0 {
		return nil
	}
	tools := make([]llm.Tool, 0, len(catalog))
	for _, t := range catalog {
		schema := json.RawMessage(t.InputSchema)
		if len(schema) == 0 {
			schema = emptySchema
		}
		tools = append(tools, llm.NewFunctionTool(t.Name, t.Description, schema))
	}
	return tools
}
