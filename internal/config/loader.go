package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName   = ".marinabox"
	fileName  = "config.json"
	envPrefix = "MARINABOX"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means
// ~/.marinabox/config.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, overlays MARINABOX_* environment variables
// and fills derived paths. A missing file yields defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.loadRaw()
	if err != nil {
		return nil, err
	}
	l.applyDerivedPaths(cfg)
	return cfg, nil
}

// loadRaw loads without derived paths so Update does not pin them in the file.
func (l *Loader) loadRaw() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := l.newViper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range envBoundKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var envBoundKeys = []string{
	"data_dir",
	"store.driver",
	"store.path",
	"agent.provider",
	"agent.model",
	"agent.max_iterations",
	"credentials.anthropic_api_key",
	"credentials.openai_api_key",
	"credentials.aws.access_key_id",
	"credentials.aws.secret_access_key",
	"credentials.aws.session_token",
	"credentials.aws.region",
	"logging.level",
	"gateway.port",
	"gateway.host",
	"gateway.shared_secret",
	"tracing.exporter",
}

func (l *Loader) applyDerivedPaths(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(l.GetConfigPath())
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case "json":
			cfg.Store.Path = cfg.DataDir
		default:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions.db")
		}
	}

	if cfg.Sessions.RecordingsDir == "" {
		cfg.Sessions.RecordingsDir = filepath.Join(cfg.DataDir, "videos")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "marinabox.log")
	}
	if cfg.Tracing.File == "" {
		cfg.Tracing.File = filepath.Join(cfg.DataDir, "traces.json")
	}
}

// Save writes the configuration to file, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("store", cfg.Store)
	v.Set("sessions", cfg.Sessions)
	v.Set("agent", cfg.Agent)
	v.Set("credentials", cfg.Credentials)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// The file holds credentials.
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	return nil
}

// Update loads the config, applies fn and saves the result.
func (l *Loader) Update(fn func(*Config) error) (*Config, error) {
	cfg, err := l.loadRaw()
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := l.Save(cfg); err != nil {
		return nil, err
	}
	l.applyDerivedPaths(cfg)
	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
