package toolgen

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// AnthropicTools converts a catalog to Anthropic Messages API tool params.
// The scope constraint on update and delete is carried in the description;
// the validator enforces it either way.
func AnthropicTools(c Catalog) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(c.Tools))
	for _, t := range c.Tools {
		sch := t.Schema()
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: sch["properties"],
			},
		}
		if required, ok := sch["required"].([]interface{}); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					toolParam.InputSchema.Required = append(toolParam.InputSchema.Required, s)
				}
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// OpenAITools converts a catalog to OpenAI chat completion function tools.
func OpenAITools(c Catalog) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(c.Tools))
	for _, t := range c.Tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Schema()),
			},
		})
	}
	return tools
}
