package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const defaultBedrockRegion = "us-west-2"

// AnthropicProvider implements LLMProvider for Anthropic Claude, directly or
// through Bedrock.
type AnthropicProvider struct {
	client anthropic.Client
	name   string
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		name:   ProviderAnthropic,
	}
}

// NewBedrockProvider creates a provider that reaches Claude through Bedrock
// with static credentials.
func NewBedrockProvider(ctx context.Context, creds AWSCredentials, opts ...option.RequestOption) (*AnthropicProvider, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, errors.New("aws credentials are not configured")
	}
	region := creds.Region
	if region == "" {
		region = defaultBedrockRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	opts = append([]option.RequestOption{bedrock.WithConfig(awsCfg)}, opts...)
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		name:   ProviderBedrock,
	}, nil
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return p.name
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  toAnthropicMessages(request.Messages),
		MaxTokens: int64(request.MaxTokens),
	}

	if request.System != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: request.System},
		}
	}

	if len(request.Tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, schema := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        schema.Name,
				Description: anthropic.String(schema.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = toolParams
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, err
	}

	blocks := []Block{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, &TextBlock{Text: b.Text})
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			blocks = append(blocks, &ToolUseBlock{ID: b.ID, Name: b.Name, Input: input})
		}
	}

	return &LLMResponse{
		Blocks:     blocks,
		StopReason: string(response.StopReason),
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
		Raw: response,
	}, nil
}

// toAnthropicMessages merges consecutive tool results into one user message,
// as the API expects every result for a turn in the next message.
func toAnthropicMessages(conv Conversation) []anthropic.MessageParam {
	messages := []anthropic.MessageParam{}
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, t := range conv {
		switch turn := t.(type) {
		case *UserTurn:
			flush()
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		case *AssistantTurn:
			flush()
			content := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Blocks))
			for _, b := range turn.Blocks {
				switch block := b.(type) {
				case *TextBlock:
					content = append(content, anthropic.NewTextBlock(block.Text))
				case *ToolUseBlock:
					content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
				}
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: content,
			})
		case *ToolResultTurn:
			pending = append(pending, anthropicToolResult(turn))
		}
	}
	flush()

	return messages
}

func anthropicToolResult(turn *ToolResultTurn) anthropic.ContentBlockParamUnion {
	res := turn.Result
	block := anthropic.ToolResultBlockParam{ToolUseID: turn.ToolUseID}

	var content []anthropic.ToolResultBlockParamContentUnion
	if res.Error != "" {
		block.IsError = anthropic.Bool(true)
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: res.Error},
		})
	} else if res.Output != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: res.Output},
		})
	}
	if res.Base64Image != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      res.Base64Image,
						MediaType: anthropic.Base64ImageSourceMediaTypeImagePNG,
					},
				},
			},
		})
	}
	block.Content = content

	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}
