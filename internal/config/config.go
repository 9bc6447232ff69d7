package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main marinabox configuration
type Config struct {
	// Data directory holding the session store and default recordings dir
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Sessions    SessionsConfig    `json:"sessions" mapstructure:"sessions"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// StoreConfig selects the session store backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, json
	Path   string `json:"path" mapstructure:"path"`     // db file (sqlite) or directory (json)
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	RecordingsDir     string       `json:"recordings_dir" mapstructure:"recordings_dir"`
	RecordEnvTypes    []string     `json:"record_env_types" mapstructure:"record_env_types"`
	ReconcileSchedule string       `json:"reconcile_schedule" mapstructure:"reconcile_schedule"`
	Docker            DockerConfig `json:"docker" mapstructure:"docker"`
}

// DockerConfig holds container runtime settings
type DockerConfig struct {
	Binary       string   `json:"binary" mapstructure:"binary"`
	BrowserImage string   `json:"browser_image" mapstructure:"browser_image"`
	DesktopImage string   `json:"desktop_image" mapstructure:"desktop_image"`
	Network      string   `json:"network" mapstructure:"network"`
	ExtraArgs    []string `json:"extra_args" mapstructure:"extra_args"`
	// Seconds to wait for the recorder to flush after it is signalled
	RecordingGraceSeconds int `json:"recording_grace_seconds" mapstructure:"recording_grace_seconds"`
}

// AgentConfig holds orchestration loop settings
type AgentConfig struct {
	Provider              string `json:"provider" mapstructure:"provider"` // anthropic, bedrock, openai
	Model                 string `json:"model" mapstructure:"model"`
	MaxTokens             int    `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations         int    `json:"max_iterations" mapstructure:"max_iterations"`
	SystemPromptSuffix    string `json:"system_prompt_suffix" mapstructure:"system_prompt_suffix"`
	ModelTimeoutSeconds   int    `json:"model_timeout_seconds" mapstructure:"model_timeout_seconds"`
	ToolTimeoutSeconds    int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	OnlyNMostRecentImages int    `json:"only_n_most_recent_images" mapstructure:"only_n_most_recent_images"`
}

// ModelTimeout returns the per-call model timeout.
func (a AgentConfig) ModelTimeout() time.Duration {
	return time.Duration(a.ModelTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-call tool timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// CredentialsConfig holds model provider credentials
type CredentialsConfig struct {
	AnthropicAPIKey string    `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string    `json:"openai_api_key" mapstructure:"openai_api_key"`
	AWS             AWSConfig `json:"aws" mapstructure:"aws"`
}

// AWSConfig holds Bedrock credentials
type AWSConfig struct {
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `json:"session_token" mapstructure:"session_token"`
	Region          string `json:"region" mapstructure:"region"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port           int      `json:"port" mapstructure:"port"`
	Host           string   `json:"host" mapstructure:"host"`
	SharedSecret   string   `json:"shared_secret" mapstructure:"shared_secret"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// TracingConfig selects the span exporter of the daemon
type TracingConfig struct {
	Exporter    string  `json:"exporter" mapstructure:"exporter"` // none, stdout, file
	File        string  `json:"file" mapstructure:"file"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

const (
	DefaultResolution     = "1280x800x24"
	DefaultBedrockModel   = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel    = "gpt-4o"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Sessions: SessionsConfig{
			RecordEnvTypes:    []string{"browser", "desktop"},
			ReconcileSchedule: "@every 1m",
			Docker: DockerConfig{
				Binary:                "docker",
				BrowserImage:          "marinabox/marinabox-browser:latest",
				DesktopImage:          "marinabox/marinabox-desktop:latest",
				RecordingGraceSeconds: 2,
			},
		},
		Agent: AgentConfig{
			Provider:            "bedrock",
			Model:               DefaultBedrockModel,
			MaxTokens:           4096,
			MaxIterations:       20,
			ModelTimeoutSeconds: 120,
			ToolTimeoutSeconds:  120,
		},
		Credentials: CredentialsConfig{
			AWS: AWSConfig{Region: "us-west-2"},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the fields the runtime cannot work without.
// Credentials are checked lazily when an agent run needs them.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "json":
	default:
		return fmt.Errorf("invalid store driver %q (must be: sqlite, json)", c.Store.Driver)
	}

	switch c.Agent.Provider {
	case "anthropic", "bedrock", "openai":
	default:
		return fmt.Errorf("invalid agent provider %q (must be: anthropic, bedrock, openai)", c.Agent.Provider)
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Sessions.Docker.BrowserImage == "" || c.Sessions.Docker.DesktopImage == "" {
		return fmt.Errorf("sessions.docker browser_image and desktop_image are required")
	}

	for _, env := range c.Sessions.RecordEnvTypes {
		if env != "browser" && env != "desktop" {
			return fmt.Errorf("invalid record env type %q", env)
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}

	return nil
}
