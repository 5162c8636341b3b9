package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for icb.
type Config struct {
	Username string `toml:"username"`
	Password string `toml:"password,omitempty"`

	// TrustToken seeds the session store; once a token has been obtained
	// interactively it is persisted under the data dir and this field is no
	// longer consulted.
	TrustToken string `toml:"trust_token,omitempty"`

	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`

	// Port is the MFA endpoint listen port.
	Port int `toml:"port"`

	// Schedule is the cron expression for daemon mode.
	Schedule string `toml:"schedule,omitempty"`

	MaxRetries      int  `toml:"max_retries"`
	DownloadThreads int  `toml:"download_threads"`
	Force           bool `toml:"force"`
	RemoteDelete    bool `toml:"remote_delete"`

	Session SessionConfig `toml:"session"`
	Mirror  MirrorConfig  `toml:"mirror"`
	History HistoryConfig `toml:"history"`
}

// SessionConfig controls the persisted session file.
type SessionConfig struct {
	// Passphrase enables age encryption of the session file at rest.
	// Empty means the file is written in plaintext, mode 0600.
	Passphrase string `toml:"passphrase,omitempty"`
}

// MirrorConfig configures the optional offsite mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MirrorConfig struct {
	Type string `toml:"type,omitempty"` // "", "filesystem", "memory", or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3"). Access keys are
	// optional; the default AWS credential chain applies when unset.
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// HistoryConfig configures the sync-run history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type HistoryConfig struct {
	Type string `toml:"type,omitempty"` // "sqlite" (default) or "memory"
}

// Defaults for options the file leaves unset.
const (
	DefaultPort            = 80
	DefaultMaxRetries      = 3
	DefaultDownloadThreads = 16
)

// NewConfig creates a Config with the provided data dir and default values.
func NewConfig(dataDir string) *Config {
	return &Config{
		DataDir:         dataDir,
		LogDir:          filepath.Join(dataDir, "log"),
		Port:            DefaultPort,
		MaxRetries:      DefaultMaxRetries,
		DownloadThreads: DefaultDownloadThreads,
		History:         HistoryConfig{Type: "sqlite"},
	}
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DownloadThreads == 0 {
		c.DownloadThreads = DefaultDownloadThreads
	}
	if c.LogDir == "" && c.DataDir != "" {
		c.LogDir = filepath.Join(c.DataDir, "log")
	}
	if c.History.Type == "" {
		c.History.Type = "sqlite"
	}
}

// Validate checks that the config is usable for authenticated operations.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Username == "" {
		return fmt.Errorf("username must be set (config or APPLE_ID_USER)")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path, applies
// environment credentials and defaults, and scrubs credential material from
// the process environment.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// Environment variables recognized as credential sources.
const (
	EnvUsername   = "APPLE_ID_USER"
	EnvPassword   = "APPLE_ID_PWD"
	EnvTrustToken = "TRUST_TOKEN"

	scrubPlaceholder = "********"
)

// ApplyEnv overlays credentials from the environment onto the config and
// replaces the variables in place with placeholders so no later error report
// can leak them.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvUsername); v != "" {
		c.Username = v
		os.Setenv(EnvUsername, scrubPlaceholder)
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Password = v
		os.Setenv(EnvPassword, scrubPlaceholder)
	}
	if v := os.Getenv(EnvTrustToken); v != "" {
		c.TrustToken = v
		os.Setenv(EnvTrustToken, scrubPlaceholder)
	}
}

// ScrubArgs replaces any occurrence of the config's secrets inside the given
// argument list with placeholders. The caller passes os.Args so a password
// pasted on the command line never reaches a crash report.
func (c *Config) ScrubArgs(args []string) []string {
	secrets := []string{c.Password, c.TrustToken}
	out := make([]string, len(args))
	for i, arg := range args {
		for _, s := range secrets {
			if s != "" && strings.Contains(arg, s) {
				arg = strings.ReplaceAll(arg, s, scrubPlaceholder)
			}
		}
		out[i] = arg
	}
	return out
}

// Redacted returns a copy with secret fields replaced, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Password != "" {
		out.Password = scrubPlaceholder
	}
	if out.TrustToken != "" {
		out.TrustToken = scrubPlaceholder
	}
	if out.Session.Passphrase != "" {
		out.Session.Passphrase = scrubPlaceholder
	}
	if out.Mirror.S3SecretKey != "" {
		out.Mirror.S3SecretKey = scrubPlaceholder
	}
	return &out
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
