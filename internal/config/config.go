package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory    = "memory"
	StoreSQLite    = "sqlite"
	StoreSQLiteCGO = "sqlite3"
	StorePostgres  = "postgres"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram" json:"telegram"`
	Reviewers []string        `mapstructure:"reviewers" json:"reviewers"`
	Store     StoreConfig     `mapstructure:"store" json:"store"`
	Lock      LockConfig      `mapstructure:"lock" json:"lock"`
	Dedup     DedupConfig     `mapstructure:"dedup" json:"dedup"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Workspace string          `mapstructure:"workspace" json:"workspace"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

// TelegramConfig configures the bot. A non-empty WebhookURL switches from
// long polling to webhook delivery on the gateway port.
type TelegramConfig struct {
	Token      string   `mapstructure:"token" json:"token"`
	AllowFrom  []string `mapstructure:"allow_from" json:"allow_from"`
	WebhookURL string   `mapstructure:"webhook_url" json:"webhook_url"`
}

// WebhookEndpoint returns the public webhook URL and the path the gateway
// serves it on. A URL without a path gets /bot<token> appended.
func (c TelegramConfig) WebhookEndpoint() (string, string, error) {
	raw := strings.TrimSpace(c.WebhookURL)
	if raw == "" {
		return "", "", fmt.Errorf("telegram.webhook_url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("telegram.webhook_url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", "", fmt.Errorf("telegram.webhook_url must be an absolute https URL, got %q", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/bot" + strings.TrimSpace(c.Token)
	}
	return u.String(), u.Path, nil
}

// StoreConfig selects the receipt registry backend. An empty DSN for the
// sqlite drivers places the database under the workspace.
type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

type LockConfig struct {
	TimeoutMinutes int `mapstructure:"timeout_minutes" json:"timeout_minutes"`
}

// DedupConfig sets how long a receipt number stays in use. Zero means three
// calendar months.
type DedupConfig struct {
	WindowDays int `mapstructure:"window_days" json:"window_days"`
}

// GatewayConfig configures the health endpoint. A non-empty Token protects /status.
type GatewayConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
}

// LogConfig selects the slog handler. Format is "text" or "json".
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	File   string `mapstructure:"file" json:"file"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// envOverrides are applied on top of the config file.
type envOverrides struct {
	TelegramToken     string   `env:"WAYBILL_TELEGRAM_TOKEN"`
	TelegramWebhook   string   `env:"WAYBILL_TELEGRAM_WEBHOOK_URL"`
	Reviewers         []string `env:"WAYBILL_REVIEWERS" envSeparator:","`
	Port              int      `env:"PORT"`
	GatewayToken      string   `env:"WAYBILL_GATEWAY_TOKEN"`
	StoreDriver       string   `env:"WAYBILL_STORE_DRIVER"`
	StoreDSN          string   `env:"WAYBILL_STORE_DSN"`
	LogLevel          string   `env:"WAYBILL_LOG_LEVEL"`
	LogFormat         string   `env:"WAYBILL_LOG_FORMAT"`
	Workspace         string   `env:"WAYBILL_WORKSPACE"`
	TelemetryEndpoint string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return &Config{
		Telegram: TelegramConfig{
			AllowFrom: []string{},
		},
		Reviewers: []string{},
		Store: StoreConfig{
			Driver: StoreSQLite,
		},
		Lock: LockConfig{
			TimeoutMinutes: 10,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Workspace: filepath.Join(homeDir, ".waybill", "workspace"),
		Telemetry: TelemetryConfig{
			ServiceName: "waybill",
		},
	}
}

func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".waybill")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads ~/.waybill/config.json, creating it with defaults when missing,
// then applies environment overrides and validates.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom is Load for an explicit config file path.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}

		if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
			dc.TagName = "mapstructure"
			dc.MatchName = func(mapKey, fieldName string) bool {
				return normalizeKey(mapKey) == normalizeKey(fieldName)
			}
		}); err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty environment variables.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		c.Telegram.Token = s
	}
	if s := strings.TrimSpace(o.TelegramWebhook); s != "" {
		c.Telegram.WebhookURL = s
	}
	if len(o.Reviewers) > 0 {
		c.Reviewers = o.Reviewers
	}
	if o.Port != 0 {
		c.Gateway.Port = o.Port
	}
	if s := strings.TrimSpace(o.GatewayToken); s != "" {
		c.Gateway.Token = s
	}
	if s := strings.TrimSpace(o.StoreDriver); s != "" {
		c.Store.Driver = s
	}
	if s := strings.TrimSpace(o.StoreDSN); s != "" {
		c.Store.DSN = s
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		c.Log.Level = s
	}
	if s := strings.TrimSpace(o.LogFormat); s != "" {
		c.Log.Format = s
	}
	if s := strings.TrimSpace(o.Workspace); s != "" {
		c.Workspace = s
	}
	if s := strings.TrimSpace(o.TelemetryEndpoint); s != "" {
		c.Telemetry.Endpoint = s
	}
	return nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks ranges and fills defaults. It does not require a token or
// reviewers; see CheckRunnable.
func (c *Config) Validate() error {
	reviewers := make([]string, 0, len(c.Reviewers))
	seen := make(map[string]bool, len(c.Reviewers))
	for _, id := range c.Reviewers {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if strings.Contains(id, ":") {
			return fmt.Errorf("reviewers: id %q must not contain ':'", id)
		}
		seen[id] = true
		reviewers = append(reviewers, id)
	}
	c.Reviewers = reviewers

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "":
		c.Store.Driver = StoreSQLite
	case StoreMemory, StoreSQLite, StoreSQLiteCGO:
		c.Store.Driver = driver
	case StorePostgres, "postgresql", "pg":
		c.Store.Driver = StorePostgres
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, sqlite3, postgres; got %q", c.Store.Driver)
	}

	if c.Lock.TimeoutMinutes < 0 {
		return fmt.Errorf("lock.timeout_minutes must not be negative, got %d", c.Lock.TimeoutMinutes)
	}
	if c.Lock.TimeoutMinutes == 0 {
		c.Lock.TimeoutMinutes = 10
	}

	if c.Dedup.WindowDays < 0 {
		return fmt.Errorf("dedup.window_days must not be negative, got %d", c.Dedup.WindowDays)
	}

	if strings.TrimSpace(c.Telegram.WebhookURL) != "" {
		if _, _, err := c.Telegram.WebhookEndpoint(); err != nil {
			return err
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "waybill"
	}
	return nil
}

// CheckRunnable reports what is missing to serve requests.
func (c *Config) CheckRunnable() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set WAYBILL_TELEGRAM_TOKEN)")
	}
	if len(c.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer id is required (or set WAYBILL_REVIEWERS)")
	}
	return nil
}

// LockTimeout returns the configured request lock duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMinutes) * time.Minute
}

// StoreDSN returns the configured DSN, defaulting sqlite databases to
// <workspace>/state/receipts.db.
func (c *Config) StoreDSN() string {
	if dsn := strings.TrimSpace(c.Store.DSN); dsn != "" {
		return dsn
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreSQLiteCGO:
		return filepath.Join(c.WorkspacePath(), "state", "receipts.db")
	}
	return ""
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	ws := strings.TrimSpace(c.Workspace)
	if ws == "" {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if ws[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := ws[1:]
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		rest = strings.TrimPrefix(rest, "/")
		return filepath.Join(homeDir, rest), nil
	}
	return ws, nil
}
