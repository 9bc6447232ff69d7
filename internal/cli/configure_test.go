package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAnthropicKey(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("local", "set-anthropic-key", "not-a-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sk-ant-")

	_, stderr, err := env.run("local", "set-anthropic-key", "--use", "sk-ant-test-key")
	require.NoError(t, err)
	assert.Contains(t, stderr, "credentials.anthropic_api_key")

	cfg, err := config.Load(env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test-key", cfg.Credentials.AnthropicAPIKey)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	assert.Equal(t, config.DefaultAnthropicModel, cfg.Agent.Model)
}

func TestSetAnthropicKeyKeepsProvider(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("local", "set-anthropic-key", "sk-ant-test-key")
	require.NoError(t, err)

	cfg, err := config.Load(env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "bedrock", cfg.Agent.Provider)
	assert.Equal(t, config.DefaultBedrockModel, cfg.Agent.Model)
}

func TestSetOpenAIKey(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("local", "set-openai-key", "--use", "sk-openai-test")
	require.NoError(t, err)

	cfg, err := config.Load(env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-openai-test", cfg.Credentials.OpenAIAPIKey)
	assert.Equal(t, "openai", cfg.Agent.Provider)
	assert.Equal(t, config.DefaultOpenAIModel, cfg.Agent.Model)
}

func TestSetAWSCredentials(t *testing.T) {
	t.Run("env file", func(t *testing.T) {
		env := newTestEnv(t)
		envFile := filepath.Join(t.TempDir(), "aws.env")
		require.NoError(t, os.WriteFile(envFile, []byte(
			"AWS_ACCESS_KEY_ID=AKIAEXAMPLE\nAWS_SECRET_ACCESS_KEY=secret\nAWS_DEFAULT_REGION=eu-west-1\n",
		), 0o600))

		_, _, err := env.run("local", "set-aws-credentials", "--env-file", envFile)
		require.NoError(t, err)

		cfg, err := config.Load(env.configPath)
		require.NoError(t, err)
		assert.Equal(t, "AKIAEXAMPLE", cfg.Credentials.AWS.AccessKeyID)
		assert.Equal(t, "secret", cfg.Credentials.AWS.SecretAccessKey)
		assert.Equal(t, "eu-west-1", cfg.Credentials.AWS.Region)
	})

	t.Run("flags keep configured region", func(t *testing.T) {
		env := newTestEnv(t)

		_, _, err := env.run("local", "set-aws-credentials", "--access-key-id", "AKIAFLAG", "--secret-access-key", "s3cr3t")
		require.NoError(t, err)

		cfg, err := config.Load(env.configPath)
		require.NoError(t, err)
		assert.Equal(t, "AKIAFLAG", cfg.Credentials.AWS.AccessKeyID)
		assert.Equal(t, "us-west-2", cfg.Credentials.AWS.Region)
	})

	t.Run("incomplete flags", func(t *testing.T) {
		env := newTestEnv(t)

		_, _, err := env.run("local", "set-aws-credentials", "--access-key-id", "AKIAFLAG")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret_access_key")

		cfg, err := config.Load(env.configPath)
		require.NoError(t, err)
		assert.Empty(t, cfg.Credentials.AWS.AccessKeyID)
	})
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("local", "set-anthropic-key", "sk-ant-super-secret")
	require.NoError(t, err)

	out, _, err := env.run("config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-ant-super-secret")

	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "[REDACTED]", shown.Credentials.AnthropicAPIKey)
	assert.Empty(t, shown.Credentials.OpenAIAPIKey)
	assert.Equal(t, "json", shown.Store.Driver)
}

func TestConfigPath(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run("config", "path")
	require.NoError(t, err)
	assert.Equal(t, env.configPath+"\n", out)
}
