// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "POSTARCHIVE__"

// Config holds all operator-tunable settings.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"logLevel"`
	LogPath  string `mapstructure:"logPath"`
	DataDir  string `mapstructure:"dataDir"`

	MetricsEnabled bool `mapstructure:"metricsEnabled"`

	Gumroad GumroadConfig `mapstructure:"gumroad"`
	License LicenseConfig `mapstructure:"license"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// GumroadConfig tunes the provider verification client.
type GumroadConfig struct {
	ProductID             string `mapstructure:"productId"`
	WebhookSecret         string `mapstructure:"webhookSecret"`
	MaxRetries            uint   `mapstructure:"maxRetries"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeoutSeconds"`
}

// LicenseConfig tunes licensing policy.
type LicenseConfig struct {
	CacheDurationHours     int  `mapstructure:"cacheDurationHours"`
	MaxDevices             int  `mapstructure:"maxDevices"`
	GracePeriodDays        int  `mapstructure:"gracePeriodDays"`
	OfflineGracePeriodDays int  `mapstructure:"offlineGracePeriodDays"`
	EnableOfflineMode      bool `mapstructure:"enableOfflineMode"`
	AutoRefreshHours       int  `mapstructure:"autoRefreshHours"`
}

// WebhookConfig tunes webhook event processing.
type WebhookConfig struct {
	MaxRetries          int `mapstructure:"maxRetries"`
	InitialDelaySeconds int `mapstructure:"initialDelaySeconds"`
	ScanIntervalSeconds int `mapstructure:"scanIntervalSeconds"`
	RetentionDays       int `mapstructure:"retentionDays"`
}

type AppConfig struct {
	Config *Config
	viper  *viper.Viper

	configPath string
}

// New loads configuration from the given directory or file path, falling
// back to the OS-specific default location. A missing config file is not an
// error; defaults and environment variables still apply.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()
	c.bindEnv()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8090)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)

	// Empty defaults register the keys so env overrides reach Unmarshal
	c.viper.SetDefault("gumroad.productId", "")
	c.viper.SetDefault("gumroad.webhookSecret", "")
	c.viper.SetDefault("gumroad.maxRetries", 3)
	c.viper.SetDefault("gumroad.requestTimeoutSeconds", 10)

	c.viper.SetDefault("license.cacheDurationHours", 24)
	c.viper.SetDefault("license.maxDevices", 3)
	c.viper.SetDefault("license.gracePeriodDays", 3)
	c.viper.SetDefault("license.offlineGracePeriodDays", 7)
	c.viper.SetDefault("license.enableOfflineMode", true)
	c.viper.SetDefault("license.autoRefreshHours", 24)

	c.viper.SetDefault("webhook.maxRetries", 3)
	c.viper.SetDefault("webhook.initialDelaySeconds", 30)
	c.viper.SetDefault("webhook.scanIntervalSeconds", 60)
	c.viper.SetDefault("webhook.retentionDays", 30)
}

func (c *AppConfig) bindEnv() {
	// viper appends one underscore after the prefix itself
	c.viper.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	c.viper.AutomaticEnv()
}

func (c *AppConfig) load(configPath string) error {
	if configPath != "" && strings.HasSuffix(strings.ToLower(configPath), ".toml") {
		c.configPath = configPath
	} else if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			c.configPath = configPath
		} else {
			c.configPath = filepath.Join(configPath, "config.toml")
		}
	} else {
		c.configPath = filepath.Join(GetDefaultConfigDir(), "config.toml")
	}

	c.viper.SetConfigFile(c.configPath)
	c.viper.SetConfigType("toml")

	if err := c.viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", c.configPath).Msg("No config file found, using defaults")
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "postarchive")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// Containers commonly mount a bare /config
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "postarchive")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "postarchive")
}

// GetDataDir returns the data directory: configured explicitly, or next to
// the config file.
func (c *AppConfig) GetDataDir() string {
	if c.Config.DataDir != "" {
		return c.Config.DataDir
	}
	return filepath.Dir(c.configPath)
}

// SetDataDir overrides the data directory (CLI flag).
func (c *AppConfig) SetDataDir(dir string) {
	c.Config.DataDir = dir
}

// GetDatabasePath returns the sqlite document database path.
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.GetDataDir(), "postarchive.db")
}

// ApplyLogConfig configures the global zerolog logger from config.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, keeping stderr")
			return
		}
		log.Logger = log.Output(f)
	}
}

// Watch reloads dynamic settings (currently the log level) when the config
// file changes on disk.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Msg("Config file changed")

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.ApplyLogConfig()
		log.Info().Str("logLevel", c.Config.LogLevel).Msg("Configuration reloaded")
	})
	c.viper.WatchConfig()
}

// CacheDuration returns the license cache freshness window.
func (c *Config) CacheDuration() time.Duration {
	return time.Duration(c.License.CacheDurationHours) * time.Hour
}
