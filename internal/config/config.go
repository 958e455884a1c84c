package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Approval ApprovalConfig `mapstructure:"approval" json:"approval"`
	Hook     HookConfig     `mapstructure:"hook" json:"hook"`
	Policy   PolicyConfig   `mapstructure:"policy" json:"policy"`
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// ServerConfig approval server settings
type ServerConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
}

// ApprovalConfig queue storage and maintenance settings
type ApprovalConfig struct {
	DBPath               string `mapstructure:"db_path" json:"db_path"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	RetentionHours       int    `mapstructure:"retention_hours" json:"retention_hours"`
	PurgeIntervalMinutes int    `mapstructure:"purge_interval_minutes" json:"purge_interval_minutes"`
	MaxPayloadBytes      int    `mapstructure:"max_payload_bytes" json:"max_payload_bytes"`
	AuditLog             string `mapstructure:"audit_log" json:"audit_log"`
}

// HookConfig polling client settings
type HookConfig struct {
	ServerURL             string `mapstructure:"server_url" json:"server_url"`
	BudgetSeconds         int    `mapstructure:"budget_seconds" json:"budget_seconds"`
	PollIntervalMillis    int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// PolicyConfig safe/sensitive classification rules
type PolicyConfig struct {
	SafeCategories      []string `mapstructure:"safe_categories" json:"safe_categories"`
	SensitiveCategories []string `mapstructure:"sensitive_categories" json:"sensitive_categories"`
	SafeCommandPrefixes []string `mapstructure:"safe_command_prefixes" json:"safe_command_prefixes"`
	DangerSubstrings    []string `mapstructure:"danger_substrings" json:"danger_substrings"`
	ScratchPaths        []string `mapstructure:"scratch_paths" json:"scratch_paths"`
	UnknownAction       string   `mapstructure:"unknown_action" json:"unknown_action"`
}

// TelegramConfig telegram decision bot settings
type TelegramConfig struct {
	Enabled               bool     `mapstructure:"enabled" json:"enabled"`
	Token                 string   `mapstructure:"token" json:"token"`
	AllowFrom             []string `mapstructure:"allow_from" json:"allow_from"`
	ReconcileIntervalSecs int      `mapstructure:"reconcile_interval_seconds" json:"reconcile_interval_seconds"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Approval: ApprovalConfig{
			DBPath:               filepath.Join(ConfigDir(), "data", "approvals.db"),
			TimeoutSeconds:       60,
			SweepIntervalSeconds: 5,
			RetentionHours:       24,
			PurgeIntervalMinutes: 60,
			MaxPayloadBytes:      256 << 10,
			AuditLog:             filepath.Join(ConfigDir(), "data", "audit.jsonl"),
		},
		Hook: HookConfig{
			ServerURL:             "http://127.0.0.1:8765",
			BudgetSeconds:         55,
			PollIntervalMillis:    1000,
			RequestTimeoutSeconds: 5,
		},
		Policy: PolicyConfig{
			SafeCategories:      []string{"read_file", "glob", "grep", "ls", "todo_write"},
			SensitiveCategories: []string{"shell", "write_file", "edit_file", "multi_edit", "task", "web_fetch", "web_search"},
			SafeCommandPrefixes: []string{"ls", "pwd", "echo", "date", "which", "where"},
			DangerSubstrings:    []string{"rm", "del", "format", "kill", "sudo"},
			ScratchPaths:        []string{"/tmp/", `\temp\`},
			UnknownAction:       "require_approval",
		},
		Telegram: TelegramConfig{
			Enabled:               false,
			AllowFrom:             []string{},
			ReconcileIntervalSecs: 10,
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

var configPathOverride string

// SetConfigPath overrides the config file location (used by --config).
func SetConfigPath(path string) {
	configPathOverride = strings.TrimSpace(path)
}

// ConfigDir returns the ccmonitor config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".ccmonitor")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("CCMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.token", "CCMONITOR_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")

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

	if token := v.GetString("telegram.token"); token != "" {
		cfg.Telegram.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = "127.0.0.1"
	}

	a := &c.Approval
	if strings.TrimSpace(a.DBPath) == "" {
		return fmt.Errorf("approval.db_path must be non-empty")
	}
	if a.TimeoutSeconds < 0 {
		return fmt.Errorf("approval.timeout_seconds must not be negative, got %d", a.TimeoutSeconds)
	}
	if a.TimeoutSeconds == 0 {
		a.TimeoutSeconds = 60
	}
	if a.SweepIntervalSeconds <= 0 {
		a.SweepIntervalSeconds = 5
	}
	if a.RetentionHours < 0 {
		return fmt.Errorf("approval.retention_hours must not be negative, got %d", a.RetentionHours)
	}
	if a.RetentionHours == 0 {
		a.RetentionHours = 24
	}
	if a.PurgeIntervalMinutes <= 0 {
		a.PurgeIntervalMinutes = 60
	}
	if a.MaxPayloadBytes <= 0 {
		a.MaxPayloadBytes = 256 << 10
	}

	h := &c.Hook
	if strings.TrimSpace(h.ServerURL) == "" {
		h.ServerURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if h.BudgetSeconds < 0 {
		return fmt.Errorf("hook.budget_seconds must not be negative, got %d", h.BudgetSeconds)
	}
	if h.BudgetSeconds == 0 {
		h.BudgetSeconds = 55
	}
	if h.BudgetSeconds >= 60 {
		return fmt.Errorf("hook.budget_seconds must stay below the 60s hook deadline, got %d", h.BudgetSeconds)
	}
	if h.PollIntervalMillis <= 0 {
		h.PollIntervalMillis = 1000
	}
	if h.RequestTimeoutSeconds <= 0 {
		h.RequestTimeoutSeconds = 5
	}

	action := strings.ToLower(strings.TrimSpace(c.Policy.UnknownAction))
	switch action {
	case "":
		c.Policy.UnknownAction = "require_approval"
	case "allow", "require_approval":
		c.Policy.UnknownAction = action
	default:
		return fmt.Errorf("policy.unknown_action must be one of allow, require_approval; got %q", c.Policy.UnknownAction)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	if c.Telegram.ReconcileIntervalSecs <= 0 {
		c.Telegram.ReconcileIntervalSecs = 10
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

	return nil
}

// ServerAddr returns host:port of the approval server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SweepInterval returns the timeout sweep period.
func (a ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// Timeout returns the pending age after which requests time out.
func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Retention returns how long requests are kept before purge.
func (a ApprovalConfig) Retention() time.Duration {
	return time.Duration(a.RetentionHours) * time.Hour
}

// PurgeInterval returns the retention purge period.
func (a ApprovalConfig) PurgeInterval() time.Duration {
	return time.Duration(a.PurgeIntervalMinutes) * time.Minute
}

// Budget returns the hook's total wait budget.
func (h HookConfig) Budget() time.Duration {
	return time.Duration(h.BudgetSeconds) * time.Second
}

// PollInterval returns the delay between status polls.
func (h HookConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalMillis) * time.Millisecond
}

// RequestTimeout returns the per-call HTTP timeout.
func (h HookConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSeconds) * time.Second
}
