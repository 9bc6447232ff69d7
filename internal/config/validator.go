package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates individual configuration values
type Validator struct {
	scheduleParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		scheduleParser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateAWSCredentials checks the fields Bedrock needs. The session
// token is optional for long-lived keys.
func (v *Validator) ValidateAWSCredentials(aws AWSConfig) error {
	var missing []string
	if aws.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if aws.SecretAccessKey == "" {
		missing = append(missing, "secret_access_key")
	}
	if aws.Region == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return fmt.Errorf("aws credentials incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateProviderCredentials checks that the selected provider has what it
// needs to authenticate.
func (v *Validator) ValidateProviderCredentials(provider string, creds CredentialsConfig) error {
	switch provider {
	case "anthropic":
		return v.ValidateAPIKey(creds.AnthropicAPIKey, "anthropic")
	case "openai":
		return v.ValidateAPIKey(creds.OpenAIAPIKey, "openai")
	case "bedrock":
		return v.ValidateAWSCredentials(creds.AWS)
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}
}

// ValidateSchedule validates a reconcile schedule expression. Empty
// disables reconciliation.
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := v.scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and returns every
// problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule(cfg.Sessions.ReconcileSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sessions.reconcile_schedule: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.ModelTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("agent.model_timeout_seconds must be >= 0"))
	}
	if cfg.Agent.ToolTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout_seconds must be >= 0"))
	}
	if cfg.Agent.OnlyNMostRecentImages < 0 {
		errs = append(errs, fmt.Errorf("agent.only_n_most_recent_images must be >= 0"))
	}
	if cfg.Sessions.Docker.RecordingGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("sessions.docker.recording_grace_seconds must be >= 0"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Tracing.Exporter {
	case "", "none", "stdout", "file":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be one of: none, stdout, file"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	return errs
}
