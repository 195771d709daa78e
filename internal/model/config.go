package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the mail server settings for one email account.
// Passwords are not stored here; they live in the system keyring under the
// account email as the key.
type AccountConfig struct {
	// Email is the address this profile sends and receives as.
	Email string `mapstructure:"email" yaml:"email"`

	// Username is the mail server login, when it differs from Email.
	Username string `mapstructure:"username" yaml:"username"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	IMAPTLS  bool   `mapstructure:"imap_tls" yaml:"imap_tls"`

	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPTLS  bool   `mapstructure:"smtp_tls" yaml:"smtp_tls"`
}

// LoginUser returns the mail server login for this account.
func (a AccountConfig) LoginUser() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// SyncConfig holds delta-sync tuning.
type SyncConfig struct {
	// PollIntervalSec is how often (in seconds) a caller-driven poll loop
	// should sync each folder.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DataDir is where the profile database lives.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/zkemails/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "zkemails", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, err := os.UserHomeDir()
	dataDir := "."
	if err == nil {
		dataDir = filepath.Join(home, ".local", "share", "zkemails")
	}
	return &AppConfig{
		DataDir:  dataDir,
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			PollIntervalSec: 120,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sync.poll_interval_sec", 120)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].IMAPPort == "" {
			cfg.Accounts[i].IMAPPort = "993"
			cfg.Accounts[i].IMAPTLS = true
		}
		if cfg.Accounts[i].SMTPPort == "" {
			cfg.Accounts[i].SMTPPort = "587"
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
