package agent

import (
	"context"
	"fmt"

	"github.com/marinabox/marinabox/pkg/tools"
)

// Provider names
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes one model request. It does not retry.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model     string
	System    string
	MaxTokens int
	Messages  Conversation
	Tools     []tools.Schema
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Blocks     []Block
	StopReason string
	Usage      *TokenUsage
	// Raw is the provider SDK response, for diagnostics.
	Raw any
}

// AWSCredentials are static credentials for Bedrock.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// ProviderConfig carries the credentials for one provider. It is passed
// explicitly; providers never read the environment.
type ProviderConfig struct {
	Provider        string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	AWS             AWSCredentials
}

// ProviderCreator creates LLM providers from explicit credentials.
type ProviderCreator interface {
	NewProvider(ctx context.Context, cfg ProviderConfig) (LLMProvider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider for cfg.Provider.
func (f *ProviderFactory) NewProvider(ctx context.Context, cfg ProviderConfig) (LLMProvider, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic API key is not configured")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey), nil
	case ProviderBedrock:
		return NewBedrockProvider(ctx, cfg.AWS)
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai API key is not configured")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
