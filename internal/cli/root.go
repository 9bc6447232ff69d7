package cli

import (
	"fmt"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/internal/logger"
	"github.com/marinabox/marinabox/pkg/sdk"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.2.0"

var (
	cfgFile      string
	logLevel     string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mb",
	Short: "marinabox - sandboxed browser and desktop sessions for computer-use agents",
	Long: `marinabox launches isolated browser and desktop environments in containers,
tracks them as sessions, and drives them with a computer-use agent loop.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.marinabox/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log to stderr at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json, yaml)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// clientFactory builds the SDK client. Tests replace it to avoid docker.
var clientFactory = func(cfg *config.Config, log zerolog.Logger) (*sdk.Client, error) {
	return sdk.New(cfg, sdk.WithLogger(log))
}

// environment is what a command needs once config and logging are set up.
type environment struct {
	loader *config.Loader
	cfg    *config.Config
	log    *logger.Logger
	client *sdk.Client
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return loader, cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   logLevel != "",
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// setup loads config, opens logging and builds the SDK client.
func setup() (*environment, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := clientFactory(cfg, log.GetZerolog())
	if err != nil {
		log.Close()
		return nil, err
	}

	return &environment{loader: loader, cfg: cfg, log: log, client: client}, nil
}

func (e *environment) Close() {
	if err := e.client.Close(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to close client")
	}
	e.log.Close()
}
