package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements LLMProvider for OpenAI
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

// Call makes an API call to OpenAI
func (p *OpenAIProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	messages, err := toOpenAIMessages(request.System, request.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}

	if len(request.Tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, schema := range request.Tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  openai.FunctionParameters(schema.JSONSchema()),
				},
			})
		}
		params.Tools = toolParams
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	blocks := []Block{}
	if choice.Message.Content != "" {
		blocks = append(blocks, &TextBlock{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		blocks = append(blocks, &ToolUseBlock{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return &LLMResponse{
		Blocks:     blocks,
		StopReason: choice.FinishReason,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
		Raw: response,
	}, nil
}

// toOpenAIMessages converts the transcript. Tool messages are text-only, so
// screenshots from a run of tool results follow as one user message.
func toOpenAIMessages(system string, conv Conversation) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	var images []openai.ChatCompletionContentPartUnionParam
	flushImages := func() {
		if len(images) > 0 {
			messages = append(messages, openai.UserMessage(images))
			images = nil
		}
	}

	for _, t := range conv {
		switch turn := t.(type) {
		case *UserTurn:
			flushImages()
			messages = append(messages, openai.UserMessage(turn.Text))
		case *AssistantTurn:
			flushImages()
			uses := turn.ToolUses()
			if len(uses) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Text()))
				continue
			}

			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(uses))
			for _, tu := range uses {
				args, err := json.Marshal(tu.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tu.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tu.Name,
						Arguments: string(args),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   turn.Text(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case *ToolResultTurn:
			res := turn.Result
			text := res.Output
			if res.Error != "" {
				text = "Error: " + res.Error
			}
			if text == "" {
				text = "(no output)"
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: turn.ToolUseID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(text),
					},
				},
			})
			if res.Base64Image != "" {
				images = append(images,
					openai.TextContentPart(fmt.Sprintf("Screenshot from tool call %s:", turn.ToolUseID)),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: "data:image/png;base64," + res.Base64Image,
					}),
				)
			}
		}
	}
	flushImages()

	return messages, nil
}
