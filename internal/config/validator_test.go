package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-test123", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "anthropic"))
}

func TestValidateAWSCredentials(t *testing.T) {
	v := NewValidator()

	t.Run("complete without session token", func(t *testing.T) {
		err := v.ValidateAWSCredentials(AWSConfig{AccessKeyID: "AKIA", SecretAccessKey: "s", Region: "us-east-1"})
		assert.NoError(t, err)
	})

	t.Run("lists every missing field", func(t *testing.T) {
		err := v.ValidateAWSCredentials(AWSConfig{AccessKeyID: "AKIA"})
		if assert.Error(t, err) {
			assert.Contains(t, err.Error(), "secret_access_key")
			assert.Contains(t, err.Error(), "region")
		}
	})
}

func TestValidateProviderCredentials(t *testing.T) {
	v := NewValidator()
	creds := CredentialsConfig{
		AnthropicAPIKey: "sk-ant-x",
		AWS:             AWSConfig{AccessKeyID: "a", SecretAccessKey: "b", Region: "c"},
	}

	assert.NoError(t, v.ValidateProviderCredentials("anthropic", creds))
	assert.NoError(t, v.ValidateProviderCredentials("bedrock", creds))
	assert.Error(t, v.ValidateProviderCredentials("openai", creds))
	assert.Error(t, v.ValidateProviderCredentials("gemini", creds))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 30s"))
	assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	assert.Error(t, v.ValidateSchedule("every minute"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sessions.ReconcileSchedule = "nope"
		cfg.Agent.MaxTokens = 0
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 3)
	})

	t.Run("tracing settings", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tracing.Exporter = "file"
		assert.Empty(t, v.ValidateConfig(cfg))

		cfg.Tracing.Exporter = "jaeger"
		cfg.Tracing.SampleRatio = 1.5
		assert.Len(t, v.ValidateConfig(cfg), 2)
	})
}
