package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/marinabox/marinabox/pkg/tools"
	openaioption "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolTranscript() Conversation {
	return Conversation{
		&UserTurn{Text: "check the page"},
		&AssistantTurn{Blocks: []Block{
			&TextBlock{Text: "looking"},
			&ToolUseBlock{ID: "t1", Name: "computer", Input: map[string]any{"action": "screenshot"}},
			&ToolUseBlock{ID: "t2", Name: "bash", Input: map[string]any{"command": "ls"}},
		}},
		&ToolResultTurn{ToolUseID: "t1", Result: tools.Result{Base64Image: "aW1n"}},
		&ToolResultTurn{ToolUseID: "t2", Result: tools.Result{Error: "permission denied"}},
	}
}

func TestToAnthropicMessagesMergesToolResults(t *testing.T) {
	messages := toAnthropicMessages(toolTranscript())
	require.Len(t, messages, 3)

	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Len(t, messages[1].Content, 3)

	assert.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
	require.Len(t, messages[2].Content, 2)

	first := messages[2].Content[0].OfToolResult
	require.NotNil(t, first)
	assert.Equal(t, "t1", first.ToolUseID)
	require.Len(t, first.Content, 1)
	assert.NotNil(t, first.Content[0].OfImage)

	second := messages[2].Content[1].OfToolResult
	require.NotNil(t, second)
	assert.True(t, second.IsError.Value)
	require.Len(t, second.Content, 1)
	assert.Equal(t, "permission denied", second.Content[0].OfText.Text)
}

func TestToOpenAIMessagesAppendsImages(t *testing.T) {
	messages, err := toOpenAIMessages("system text", toolTranscript())
	require.NoError(t, err)

	// system, user, assistant, tool, tool, user(images)
	require.Len(t, messages, 6)
	assert.NotNil(t, messages[0].OfSystem)
	assert.NotNil(t, messages[1].OfUser)
	assert.NotNil(t, messages[2].OfAssistant)
	require.NotNil(t, messages[3].OfTool)
	assert.Equal(t, "t1", messages[3].OfTool.ToolCallID)
	require.NotNil(t, messages[4].OfTool)
	assert.Equal(t, "Error: permission denied", messages[4].OfTool.Content.OfString.Value)
	assert.NotNil(t, messages[5].OfUser)
}

func TestAnthropicProviderCall(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "taking a screenshot"},
				{"type": "tool_use", "id": "toolu_1", "name": "computer", "input": {"action": "screenshot"}}
			],
			"stop_reason": "tool_use", "stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key",
		anthropicoption.WithBaseURL(server.URL),
		anthropicoption.WithMaxRetries(0),
	)
	assert.Equal(t, ProviderAnthropic, provider.Provider())

	resp, err := provider.Call(context.Background(), LLMRequest{
		Model:     "claude-test",
		System:    "be careful",
		MaxTokens: 100,
		Messages:  Conversation{&UserTurn{Text: "hi"}},
		Tools:     []tools.Schema{{Name: "computer", Description: "screen", Properties: map[string]any{"action": map[string]any{"type": "string"}}, Required: []string{"action"}}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Blocks, 2)
	assert.Equal(t, "taking a screenshot", resp.Blocks[0].(*TextBlock).Text)
	use := resp.Blocks[1].(*ToolUseBlock)
	assert.Equal(t, "toolu_1", use.ID)
	assert.Equal(t, "screenshot", use.Input["action"])
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)

	assert.Equal(t, "claude-test", body["model"])
	toolsSent, ok := body["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, toolsSent, 1)
}

func TestOpenAIProviderCall(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": [{
				"index": 0, "finish_reason": "tool_calls", "logprobs": null,
				"message": {"role": "assistant", "content": null, "refusal": null,
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "bash", "arguments": "{\"command\":\"ls\"}"}}]}
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`)
	}))
	defer server.Close()

	provider := NewOpenAIProvider("test-key",
		openaioption.WithBaseURL(server.URL),
		openaioption.WithMaxRetries(0),
	)

	resp, err := provider.Call(context.Background(), LLMRequest{
		Model:    "gpt-4o",
		Messages: Conversation{&UserTurn{Text: "list files"}},
		Tools:    []tools.Schema{{Name: "bash", Description: "shell", Properties: map[string]any{"command": map[string]any{"type": "string"}}}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Blocks, 1)
	use := resp.Blocks[0].(*ToolUseBlock)
	assert.Equal(t, "call_1", use.ID)
	assert.Equal(t, "ls", use.Input["command"])
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
	assert.Equal(t, "gpt-4o", body["model"])
}

func TestProviderFactory(t *testing.T) {
	f := &ProviderFactory{}
	ctx := context.Background()

	_, err := f.NewProvider(ctx, ProviderConfig{Provider: ProviderAnthropic})
	assert.Error(t, err)

	p, err := f.NewProvider(ctx, ProviderConfig{Provider: ProviderAnthropic, AnthropicAPIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p.Provider())

	p, err = f.NewProvider(ctx, ProviderConfig{Provider: ProviderOpenAI, OpenAIAPIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p.Provider())

	_, err = f.NewProvider(ctx, ProviderConfig{Provider: ProviderBedrock})
	assert.Error(t, err)

	p, err = f.NewProvider(ctx, ProviderConfig{Provider: ProviderBedrock, AWS: AWSCredentials{AccessKeyID: "AKIA", SecretAccessKey: "s"}})
	require.NoError(t, err)
	assert.Equal(t, ProviderBedrock, p.Provider())

	_, err = f.NewProvider(ctx, ProviderConfig{Provider: "gemini"})
	assert.Error(t, err)
}
