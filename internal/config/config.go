// Package config handles updater settings parsing and location resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adamancini/airdb/internal/types"
)

// EnvConfig names an explicit settings file.
const EnvConfig = "AIRDB_UPDATER_CONFIG"

// Defaults applied to fields left empty.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultMaxFailedBoots = 3
	DefaultKeepVersions   = 3
	DefaultGitHubOwner    = "airdb"
	DefaultGitHubRepo     = "airdb"
)

// Duration is a time.Duration read from strings such as "30s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// GitHubConfig selects a GitHub releases feed.
type GitHubConfig struct {
	Owner string `yaml:"owner,omitempty" toml:"owner,omitempty" json:"owner,omitempty"`
	Repo  string `yaml:"repo,omitempty" toml:"repo,omitempty" json:"repo,omitempty"`
	Token string `yaml:"token,omitempty" toml:"token,omitempty" json:"token,omitempty"`
}

// Config holds the updater settings.
type Config struct {
	// ManifestURL is a manifest location template. {channel} and {version}
	// are substituted. When empty the GitHub feed is used.
	ManifestURL    string        `yaml:"manifest_url,omitempty" toml:"manifest_url,omitempty" json:"manifest_url,omitempty"`
	GitHub         GitHubConfig  `yaml:"github,omitempty" toml:"github,omitempty" json:"github,omitempty"`
	PublicKey      string        `yaml:"public_key,omitempty" toml:"public_key,omitempty" json:"public_key,omitempty"`
	AllowUnsigned  bool          `yaml:"allow_unsigned,omitempty" toml:"allow_unsigned,omitempty" json:"allow_unsigned,omitempty"`
	Channel        types.Channel `yaml:"channel,omitempty" toml:"channel,omitempty" json:"channel,omitempty"`
	StartupTimeout Duration      `yaml:"startup_timeout,omitempty" toml:"startup_timeout,omitempty" json:"startup_timeout,omitempty"`
	HealthCommand  string        `yaml:"health_command,omitempty" toml:"health_command,omitempty" json:"health_command,omitempty"`
	MaxFailedBoots uint32        `yaml:"max_failed_boots,omitempty" toml:"max_failed_boots,omitempty" json:"max_failed_boots,omitempty"`
	KeepVersions   int           `yaml:"keep_versions,omitempty" toml:"keep_versions,omitempty" json:"keep_versions,omitempty"`
	HTTPTimeout    Duration      `yaml:"http_timeout,omitempty" toml:"http_timeout,omitempty" json:"http_timeout,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ManifestURL == "" {
		if c.GitHub.Owner == "" {
			c.GitHub.Owner = DefaultGitHubOwner
		}
		if c.GitHub.Repo == "" {
			c.GitHub.Repo = DefaultGitHubRepo
		}
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = Duration(DefaultStartupTimeout)
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(DefaultHTTPTimeout)
	}
	if c.MaxFailedBoots == 0 {
		c.MaxFailedBoots = DefaultMaxFailedBoots
	}
	if c.KeepVersions == 0 {
		c.KeepVersions = DefaultKeepVersions
	}
}

// FindConfig searches for a settings file in the standard locations.
// Returns "" without error when none exists; settings are optional.
func FindConfig(explicitPath, baseDir string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("specified config not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv(EnvConfig); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	var searchPaths []string
	if baseDir != "" {
		searchPaths = append(searchPaths, baseDir)
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			xdgConfig = filepath.Join(home, ".config")
		}
	}
	if xdgConfig != "" {
		searchPaths = append(searchPaths, filepath.Join(xdgConfig, "airdb"))
	}

	fileNames := []string{
		"airdb-updater.yaml",
		"airdb-updater.yml",
		"airdb-updater.toml",
		"airdb-updater.json",
	}

	for _, dir := range searchPaths {
		for _, name := range fileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", nil
}

// Load reads and parses a settings file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	format := detectFormat(path, content)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unable to detect file format for %s", path)
	}

	cfg, err := parse(content, format)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}
