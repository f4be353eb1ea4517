package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

// Config represents the entire configuration structure
type Config struct {
	Telegram        TelegramConfig        `toml:"telegram"`
	Proxy           ProxyConfig           `toml:"proxy"`
	Logging         LoggingConfig         `toml:"logging"`
	Bot             BotConfig             `toml:"bot"`
	Model           ModelConfig           `toml:"model"`
	ModelNAI3       FamilyConfig          `toml:"model_nai3"`
	ModelNAI4       FamilyConfig          `toml:"model_nai4"`
	ModelNAI45      FamilyConfig          `toml:"model_nai4_5"`
	Components      ComponentsConfig      `toml:"components"`
	AutoRecall      AutoRecallConfig      `toml:"auto_recall"`
	Admin           AdminConfig           `toml:"admin"`
	PromptGenerator PromptGeneratorConfig `toml:"prompt_generator"`
	PromptFallback  PromptGeneratorConfig `toml:"prompt_fallback"`
	ImageCache      ImageCacheConfig      `toml:"image_cache"`
	Metrics         MetricsConfig         `toml:"metrics"`
}

// TelegramConfig contains Telegram Bot settings
type TelegramConfig struct {
	Token          string `toml:"token"`
	PollingTimeout int    `toml:"polling_timeout"`
}

// ProxyConfig contains HTTP proxy settings
type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Output string `toml:"output"`
}

// BotConfig lists the bot's own account on each platform. Recall uses it to
// recognise messages the bot authored.
type BotConfig struct {
	Platforms       []string `toml:"platforms"` // "platform:account"
	QQAccount       string   `toml:"qq_account"`
	TelegramAccount string   `toml:"telegram_account"`
}

// ArtistPreset is a named artist string selectable with /nai art
type ArtistPreset struct {
	Name   string `toml:"name"`
	Prompt string `toml:"prompt"`
}

// ModelParams holds the generation keys shared by [model] and the family
// blocks. Pointer fields keep "unset" apart from zero values so a family
// block only overrides the keys it actually defines.
type ModelParams struct {
	ArtistPrompt      *string        `toml:"nai_artist_prompt"`
	Size              *string        `toml:"nai_size"`
	CFG               *float64       `toml:"nai_cfg"`
	NoiseSchedule     *string        `toml:"nai_noise_schedule"`
	NoCache           *int           `toml:"nai_nocache"`
	Sampler           *string        `toml:"sampler"`
	Steps             *int           `toml:"num_inference_steps"`
	GuidanceScale     *float64       `toml:"guidance_scale"`
	DefaultSize       *string        `toml:"default_size"`
	CustomPromptAdd   *string        `toml:"custom_prompt_add"`
	NegativePromptAdd *string        `toml:"negative_prompt_add"`
	SelfiePromptAdd   *string        `toml:"selfie_prompt_add"`
	ExtraParams       map[string]any `toml:"nai_extra_params"`
}

// ModelConfig is the base [model] section
type ModelConfig struct {
	Name            string   `toml:"name"`
	BaseURL         string   `toml:"base_url"`
	APIKey          string   `toml:"api_key"`
	AvailableModels []string `toml:"available_models"`
	DefaultModel    string   `toml:"default_model"`
	Endpoint        string   `toml:"nai_endpoint"`
	Timeout         int      `toml:"timeout"`
	ModelParams
}

// FamilyConfig is a model-family override block ([model_nai3] etc.)
type FamilyConfig struct {
	ArtistPresets []ArtistPreset `toml:"artist_presets"`
	ModelParams
}

// ComponentsConfig contains command behaviour switches
type ComponentsConfig struct {
	EnableDebugInfo    bool `toml:"enable_debug_info"`
	RateLimitPerMinute int  `toml:"rate_limit_per_minute"`
}

// AutoRecallConfig contains auto-recall defaults
type AutoRecallConfig struct {
	Enabled       bool     `toml:"enabled"`
	DelaySeconds  *int     `toml:"delay_seconds"`
	IDWaitSeconds *int     `toml:"id_wait_seconds"`
	AllowedGroups []string `toml:"allowed_groups"` // "platform:chat_id"; empty allows every session
}

// Delay returns the configured delay in seconds, 5 when unset
func (a AutoRecallConfig) Delay() int {
	if a.DelaySeconds == nil || *a.DelaySeconds < 0 {
		return 5
	}
	return *a.DelaySeconds
}

// IDWait returns the configured identifier wait in seconds, 15 when unset
func (a AutoRecallConfig) IDWait() int {
	if a.IDWaitSeconds == nil {
		return 15
	}
	if *a.IDWaitSeconds < 0 {
		return 0
	}
	return *a.IDWaitSeconds
}

// AdminConfig contains admin-mode settings
type AdminConfig struct {
	AdminUsers       []string `toml:"admin_users"` // empty lets everyone administer
	DefaultAdminMode bool     `toml:"default_admin_mode"`
}

// PromptGeneratorConfig configures the description-to-tags LLM call
type PromptGeneratorConfig struct {
	ModelName      string  `toml:"model_name"`
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	PromptTemplate string  `toml:"prompt_template"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
}

func (p PromptGeneratorConfig) isZero() bool {
	return p.ModelName == "" && p.Temperature == 0 && p.MaxTokens == 0 &&
		p.PromptTemplate == "" && p.BaseURL == "" && p.APIKey == ""
}

// ImageCacheConfig contains settings for the decoded image directory
type ImageCacheConfig struct {
	Dir             string `toml:"dir"`
	MaxAgeMinutes   int    `toml:"max_age_minutes"`
	MaxFiles        int    `toml:"max_files"`
	CleanupInterval string `toml:"cleanup_interval"`
}

// MetricsConfig contains Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	// If no config path provided, try default locations
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	log.Infof("Loading configuration from: %s", configPath)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	if _, err := os.Stat("config.toml"); err == nil {
		return "config.toml"
	}

	configDir := "config"
	if _, err := os.Stat(filepath.Join(configDir, "config.toml")); err == nil {
		return filepath.Join(configDir, "config.toml")
	}

	return "config.toml"
}

// applyEnv lets secrets come from the environment (or a .env file) instead
// of the TOML file
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("NAI_API_KEY")); v != "" {
		cfg.Model.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.PromptGenerator.APIKey == "" {
		cfg.PromptGenerator.APIKey = v
	}
}

// setDefaults applies default values to configuration fields
func setDefaults(cfg *Config) {
	if cfg.Telegram.PollingTimeout == 0 {
		cfg.Telegram.PollingTimeout = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "bot.log"
	}
	if cfg.Model.Endpoint == "" {
		cfg.Model.Endpoint = "/generate"
	}
	if cfg.Model.DefaultModel == "" {
		cfg.Model.DefaultModel = "nai-diffusion-4-5-full"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 120
	}
	// The legacy section only counts when the current one is absent
	if cfg.PromptGenerator.isZero() {
		cfg.PromptGenerator = cfg.PromptFallback
	}
	if cfg.PromptGenerator.Temperature == 0 {
		cfg.PromptGenerator.Temperature = 0.2
	}
	if cfg.PromptGenerator.MaxTokens == 0 {
		cfg.PromptGenerator.MaxTokens = 200
	}
	if cfg.ImageCache.Dir == "" {
		cfg.ImageCache.Dir = "generated_images"
	}
	if cfg.ImageCache.MaxAgeMinutes == 0 {
		cfg.ImageCache.MaxAgeMinutes = 30
	}
	if cfg.ImageCache.MaxFiles == 0 {
		cfg.ImageCache.MaxFiles = 80
	}
	if cfg.ImageCache.CleanupInterval == "" {
		cfg.ImageCache.CleanupInterval = "@every 5m"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return &ConfigError{Field: "telegram.token", Message: "telegram token is required"}
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return &ConfigError{Field: "proxy.url", Message: "proxy URL is required when proxy is enabled"}
	}
	if c.Components.RateLimitPerMinute < 0 {
		return &ConfigError{Field: "components.rate_limit_per_minute", Message: "must not be negative"}
	}
	for _, key := range c.AutoRecall.AllowedGroups {
		if !strings.Contains(key, ":") {
			return &ConfigError{Field: "auto_recall.allowed_groups", Message: "entries must look like platform:chat_id, got " + key}
		}
	}
	// A missing base_url is reported per command rather than at startup
	if c.Model.BaseURL == "" {
		log.Warn("model.base_url is empty; drawing commands will fail until it is configured")
	}
	if len(c.Admin.AdminUsers) == 0 {
		log.Warn("admin.admin_users is empty; every user is treated as an admin")
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
