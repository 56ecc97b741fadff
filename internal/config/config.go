package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "MSTEAMS_CONFIG"

// DefaultConfigPaths is searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mx-puppet-teams/config.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	OAuth    OAuthConfig    `koanf:"oauth"`
	Teams    TeamsConfig    `koanf:"teams"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// OAuthConfig holds the application registration used for the token endpoint.
type OAuthConfig struct {
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
	RedirectPath  string `koanf:"redirect_path"`
	ServerBaseURI string `koanf:"server_base_uri"`
	Endpoint      string `koanf:"endpoint"`
}

type TeamsConfig struct {
	GraphBaseURI         string        `koanf:"graph_base_uri"`
	RecentChatDays       int           `koanf:"recent_chat_days"`
	NewChatPollingPeriod time.Duration `koanf:"new_chat_polling_period"`
	SubscriptionPeriod   time.Duration `koanf:"subscription_period"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8437,
		},
		OAuth: OAuthConfig{
			RedirectPath: "/msteams/oauth",
			Endpoint:     "https://login.windows.net/common/oauth2",
		},
		Teams: TeamsConfig{
			GraphBaseURI:         "https://graph.microsoft.com/beta",
			RecentChatDays:       30,
			NewChatPollingPeriod: 300 * time.Second,
			SubscriptionPeriod:   5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration: defaults, then an optional yaml
// file, then MSTEAMS_* environment variables.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// MSTEAMS_OAUTH_CLIENT_ID -> oauth.client_id
	envProvider := env.Provider("MSTEAMS_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "MSTEAMS_"))
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.OAuth.ClientID) == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if strings.TrimSpace(c.OAuth.ClientSecret) == "" {
		return fmt.Errorf("oauth.client_secret is required")
	}
	if strings.TrimSpace(c.OAuth.ServerBaseURI) == "" {
		return fmt.Errorf("oauth.server_base_uri is required")
	}
	if _, err := url.Parse(c.OAuth.ServerBaseURI); err != nil {
		return fmt.Errorf("oauth.server_base_uri: %w", err)
	}
	if c.Teams.RecentChatDays <= 0 {
		return fmt.Errorf("teams.recent_chat_days must be positive")
	}
	if c.Teams.NewChatPollingPeriod <= 0 {
		return fmt.Errorf("teams.new_chat_polling_period must be positive")
	}
	if c.Teams.SubscriptionPeriod <= 0 {
		return fmt.Errorf("teams.subscription_period must be positive")
	}
	return nil
}

// ListenAddr is the host:port the bridge HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// JoinBaseURI appends a path to a base URI without doubling slashes.
func JoinBaseURI(base string, parts ...string) string {
	joined := strings.TrimRight(base, "/")
	for _, part := range parts {
		joined += "/" + strings.Trim(part, "/")
	}
	return joined
}
