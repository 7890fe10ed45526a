package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/sipeed/miraiclaw/pkg/mirai"
)

var validate = validator.New()

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Workspace string        `json:"workspace" env:"MIRAICLAW_WORKSPACE"`
	Gateway   GatewayConfig `json:"gateway"`
	Session   SessionConfig `json:"session"`
	Channel   ChannelConfig `json:"channel"`
	Logging   LoggingConfig `json:"logging"`
	mu        sync.RWMutex
}

type GatewayConfig struct {
	Host        string `json:"host" env:"MIRAICLAW_GATEWAY_HOST" validate:"required,hostname_rfc1123|ip"`
	Port        int    `json:"port" env:"MIRAICLAW_GATEWAY_PORT" validate:"required,min=1,max=65535"`
	AuthKey     string `json:"auth_key" env:"MIRAICLAW_GATEWAY_AUTH_KEY" validate:"required"`
	QQ          int64  `json:"qq" env:"MIRAICLAW_GATEWAY_QQ" validate:"required,gt=0"`
	HTTPTimeout int    `json:"http_timeout" env:"MIRAICLAW_GATEWAY_HTTP_TIMEOUT" validate:"gte=0"` // seconds, 0 disables
}

type SessionConfig struct {
	PollIntervalMS   int `json:"poll_interval_ms" env:"MIRAICLAW_SESSION_POLL_INTERVAL_MS" validate:"min=50"`
	ReleaseTimeoutMS int `json:"release_timeout_ms" env:"MIRAICLAW_SESSION_RELEASE_TIMEOUT_MS" validate:"gte=0"`
}

type ChannelConfig struct {
	Enabled       bool                `json:"enabled" env:"MIRAICLAW_CHANNEL_ENABLED"`
	AllowFrom     FlexibleStringSlice `json:"allow_from" env:"MIRAICLAW_CHANNEL_ALLOW_FROM"`
	DownloadMedia bool                `json:"download_media" env:"MIRAICLAW_CHANNEL_DOWNLOAD_MEDIA"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"MIRAICLAW_LOGGING_LEVEL" validate:"omitempty,oneof=debug info warn warning error fatal"`
	FileEnabled     bool   `json:"file_enabled" env:"MIRAICLAW_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"MIRAICLAW_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"MIRAICLAW_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"MIRAICLAW_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"MIRAICLAW_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.miraiclaw/workspace",
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			AuthKey:     "",
			QQ:          0,
			HTTPTimeout: 30,
		},
		Session: SessionConfig{
			PollIntervalMS:   1000,
			ReleaseTimeoutMS: 5000,
		},
		Channel: ChannelConfig{
			Enabled:       true,
			AllowFrom:     FlexibleStringSlice{},
			DownloadMedia: false,
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.miraiclaw/workspace/miraiclaw.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig reads path over the defaults and applies MIRAICLAW_* environment
// overrides. A missing file is not an error. The result is not validated.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.Gateway.AuthKey = resolveEnvRef(cfg.Gateway.AuthKey)
	cfg.Gateway.Host = resolveEnvRef(cfg.Gateway.Host)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	return cfg, nil
}

// Validate checks that the gateway section is complete enough to connect.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// resolveEnvRef expands a value written as ${NAME} or $NAME from the
// environment. Unset variables leave the value unchanged.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		key := strings.TrimSpace(s[1:])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.FilePath)
}

func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Session.PollIntervalMS) * time.Millisecond
}

// MiraiConfig returns the connection settings for a mirai.Session.
func (c *Config) MiraiConfig() mirai.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := mirai.Config{
		Host:           c.Gateway.Host,
		Port:           c.Gateway.Port,
		AuthKey:        c.Gateway.AuthKey,
		QQ:             c.Gateway.QQ,
		ReleaseTimeout: time.Duration(c.Session.ReleaseTimeoutMS) * time.Millisecond,
	}
	if c.Gateway.HTTPTimeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(c.Gateway.HTTPTimeout) * time.Second}
	}
	return cfg
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
