// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/postarchive/postarchive/internal/api"
	"github.com/postarchive/postarchive/internal/config"
	"github.com/postarchive/postarchive/internal/docstore"
	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/metrics"
	"github.com/postarchive/postarchive/internal/services"
	"github.com/postarchive/postarchive/internal/webhook"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "postarchive",
		Short: "Social post archiving service with license management",
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunLicenseCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/postarchive/ or %APPDATA%\\postarchive\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the document database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(Version, configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of postarchive",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/postarchive/config.toml
- Windows: %APPDATA%\postarchive\config.toml

You can specify either a directory path or a direct file path:
- Directory: postarchive generate-config --config-dir /path/to/config/
- File: postarchive generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(version, configDir, dataDir, logPath string) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	log.Info().Str("version", app.version).Msg("Starting postarchive")

	cfg, err := config.New(app.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// CLI flags override config
	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()
	cfg.Watch()

	store, err := docstore.NewSQLiteStore(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open document database")
	}
	defer store.Close()

	gateway := docstore.NewGateway(store)

	validator := buildValidator(cfg, gateway)

	ctx := context.Background()
	if err := validator.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize license validator")
	}
	defer validator.Shutdown()

	eventService := services.NewLicenseEventService(validator)

	processor := webhook.NewProcessor(
		gateway,
		cfg.Config.Gumroad.WebhookSecret,
		retryConfigFrom(cfg),
		eventService.Handlers(),
	)
	if err := processor.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook processor")
	}
	defer processor.Shutdown()

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(validator, processor)
		log.Info().Msg("Prometheus metrics enabled at /metrics endpoint")
	}

	deps := &api.Dependencies{
		Config:         cfg,
		Validator:      validator,
		Processor:      processor,
		MetricsManager: metricsManager,
	}

	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// buildValidator assembles the license stack from configuration.
func buildValidator(cfg *config.AppConfig, gateway *docstore.Gateway) *license.Validator {
	licCfg := licenseConfigFrom(cfg)

	client := license.NewGumroadClient(clientConfigFrom(cfg))
	storage := license.NewStorage(gateway, licCfg)

	return license.NewValidator(client, storage, licCfg)
}

func licenseConfigFrom(cfg *config.AppConfig) license.Config {
	licCfg := license.Config{
		CacheDuration:          cfg.Config.CacheDuration(),
		MaxDevices:             cfg.Config.License.MaxDevices,
		GracePeriodDays:        cfg.Config.License.GracePeriodDays,
		OfflineGracePeriodDays: cfg.Config.License.OfflineGracePeriodDays,
		ProductID:              cfg.Config.Gumroad.ProductID,
		EnableOfflineMode:      cfg.Config.License.EnableOfflineMode,
	}

	if cfg.Config.License.AutoRefreshHours > 0 {
		licCfg.AutoRefreshInterval = time.Duration(cfg.Config.License.AutoRefreshHours) * time.Hour
	}

	return licCfg
}

func clientConfigFrom(cfg *config.AppConfig) license.ClientConfig {
	clientCfg := license.DefaultClientConfig(cfg.Config.Gumroad.ProductID)

	// Policy knobs are enforced by the client, not the validator
	if cfg.Config.License.MaxDevices > 0 {
		clientCfg.MaxDevices = cfg.Config.License.MaxDevices
	}
	if cfg.Config.License.GracePeriodDays > 0 {
		clientCfg.GracePeriodDays = cfg.Config.License.GracePeriodDays
	}

	if cfg.Config.Gumroad.MaxRetries > 0 {
		clientCfg.MaxRetries = cfg.Config.Gumroad.MaxRetries
	}
	if cfg.Config.Gumroad.RequestTimeoutSeconds > 0 {
		clientCfg.RequestTimeout = time.Duration(cfg.Config.Gumroad.RequestTimeoutSeconds) * time.Second
	}

	return clientCfg
}

func retryConfigFrom(cfg *config.AppConfig) webhook.RetryConfig {
	retryCfg := webhook.DefaultRetryConfig()

	if cfg.Config.Webhook.MaxRetries > 0 {
		retryCfg.MaxRetries = cfg.Config.Webhook.MaxRetries
	}
	if cfg.Config.Webhook.InitialDelaySeconds > 0 {
		retryCfg.InitialDelay = time.Duration(cfg.Config.Webhook.InitialDelaySeconds) * time.Second
	}
	if cfg.Config.Webhook.ScanIntervalSeconds > 0 {
		retryCfg.ScanInterval = time.Duration(cfg.Config.Webhook.ScanIntervalSeconds) * time.Second
	}
	if cfg.Config.Webhook.RetentionDays > 0 {
		retryCfg.EventRetention = time.Duration(cfg.Config.Webhook.RetentionDays) * 24 * time.Hour
	}

	return retryCfg
}
