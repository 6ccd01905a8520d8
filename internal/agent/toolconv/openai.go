package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/goalchat/internal/agent"
)

// ToOpenAITools converts tool advertisements to OpenAI function definitions.
func ToOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap(tool.Parameters),
			},
		}
	}
	return result
}

func schemaMap(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return schema
}
