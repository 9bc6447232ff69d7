package cli

import (
	"fmt"
	"strings"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/internal/observability"
	"github.com/spf13/cobra"
)

var (
	awsEnvFile         string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsSessionToken    string
	awsRegion          string
	setKeyUseProvider  bool
)

var setAnthropicKeyCmd = &cobra.Command{
	Use:   "set-anthropic-key <api-key>",
	Short: "Store the Anthropic API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetAnthropicKey,
}

var setOpenAIKeyCmd = &cobra.Command{
	Use:   "set-openai-key <api-key>",
	Short: "Store the OpenAI API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetOpenAIKey,
}

var setAWSCredentialsCmd = &cobra.Command{
	Use:   "set-aws-credentials",
	Short: "Store AWS credentials for Bedrock",
	Long: `Store AWS credentials for Bedrock, either from a dotenv file with the
standard AWS_* variable names or from flags.`,
	Args: cobra.NoArgs,
	RunE: runSetAWSCredentials,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.NewLoader(cfgFile).GetConfigPath())
		return nil
	},
}

func init() {
	localCmd.AddCommand(setAnthropicKeyCmd, setOpenAIKeyCmd, setAWSCredentialsCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd)

	for _, c := range []*cobra.Command{setAnthropicKeyCmd, setOpenAIKeyCmd, setAWSCredentialsCmd} {
		c.Flags().BoolVar(&setKeyUseProvider, "use", false, "also make this the active agent provider")
	}

	f := setAWSCredentialsCmd.Flags()
	f.StringVar(&awsEnvFile, "env-file", "", "dotenv file with AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_DEFAULT_REGION")
	f.StringVar(&awsAccessKeyID, "access-key-id", "", "AWS access key id")
	f.StringVar(&awsSecretAccessKey, "secret-access-key", "", "AWS secret access key")
	f.StringVar(&awsSessionToken, "session-token", "", "AWS session token")
	f.StringVar(&awsRegion, "region", "", "AWS region")
	setAWSCredentialsCmd.MarkFlagsMutuallyExclusive("env-file", "access-key-id")
}

func runSetAnthropicKey(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if err := config.NewValidator().ValidateAPIKey(key, "anthropic"); err != nil {
		return err
	}
	return updateCredentials(cmd, "credentials.anthropic_api_key", func(cfg *config.Config) {
		cfg.Credentials.AnthropicAPIKey = key
		if setKeyUseProvider {
			useProvider(cfg, "anthropic", config.DefaultAnthropicModel)
		}
	})
}

func runSetOpenAIKey(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if err := config.NewValidator().ValidateAPIKey(key, "openai"); err != nil {
		return err
	}
	return updateCredentials(cmd, "credentials.openai_api_key", func(cfg *config.Config) {
		cfg.Credentials.OpenAIAPIKey = key
		if setKeyUseProvider {
			useProvider(cfg, "openai", config.DefaultOpenAIModel)
		}
	})
}

func runSetAWSCredentials(cmd *cobra.Command, args []string) error {
	var aws config.AWSConfig
	if awsEnvFile != "" {
		var err error
		aws, err = config.ReadAWSEnvFile(awsEnvFile)
		if err != nil {
			return err
		}
	} else {
		aws = config.AWSConfig{
			AccessKeyID:     strings.TrimSpace(awsAccessKeyID),
			SecretAccessKey: strings.TrimSpace(awsSecretAccessKey),
			SessionToken:    strings.TrimSpace(awsSessionToken),
			Region:          strings.TrimSpace(awsRegion),
		}
	}

	return updateCredentials(cmd, "credentials.aws", func(cfg *config.Config) {
		if aws.Region == "" {
			aws.Region = cfg.Credentials.AWS.Region
		}
		cfg.Credentials.AWS = aws
		if setKeyUseProvider {
			useProvider(cfg, "bedrock", config.DefaultBedrockModel)
		}
	}, func(cfg *config.Config) error {
		return config.NewValidator().ValidateAWSCredentials(cfg.Credentials.AWS)
	})
}

// useProvider switches the active provider, resetting the model when it
// belonged to the previous provider.
func useProvider(cfg *config.Config, provider, defaultModel string) {
	if cfg.Agent.Provider != provider {
		cfg.Agent.Model = defaultModel
	}
	cfg.Agent.Provider = provider
}

func updateCredentials(cmd *cobra.Command, key string, apply func(*config.Config), checks ...func(*config.Config) error) error {
	loader := config.NewLoader(cfgFile)
	_, err := loader.Update(func(cfg *config.Config) error {
		apply(cfg)
		for _, check := range checks {
			if err := check(cfg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	observability.RecordConfigAudit(cmd.Context(), "set", key)
	fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s to %s\n", key, loader.GetConfigPath())
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), redactedConfig(cfg))
}

// redactedConfig returns a copy of cfg with every secret masked.
func redactedConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Credentials.AnthropicAPIKey = mask(cfg.Credentials.AnthropicAPIKey)
	out.Credentials.OpenAIAPIKey = mask(cfg.Credentials.OpenAIAPIKey)
	out.Credentials.AWS.AccessKeyID = mask(cfg.Credentials.AWS.AccessKeyID)
	out.Credentials.AWS.SecretAccessKey = mask(cfg.Credentials.AWS.SecretAccessKey)
	out.Credentials.AWS.SessionToken = mask(cfg.Credentials.AWS.SessionToken)
	out.Gateway.SharedSecret = mask(cfg.Gateway.SharedSecret)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}
