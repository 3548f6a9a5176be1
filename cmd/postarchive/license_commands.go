// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postarchive/postarchive/internal/config"
	"github.com/postarchive/postarchive/internal/docstore"
	"github.com/postarchive/postarchive/internal/license"
)

func RunLicenseCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "license",
		Short: "Manage the product license",
	}

	command.AddCommand(runLicenseActivateCommand())
	command.AddCommand(runLicenseStatusCommand())
	command.AddCommand(runLicenseDeactivateCommand())
	command.AddCommand(runLicenseBackupCommand())
	command.AddCommand(runLicenseRestoreCommand())

	return command
}

// licenseStack opens the document store and builds the validator without
// starting the HTTP server.
type licenseStack struct {
	cfg       *config.AppConfig
	store     *docstore.SQLiteStore
	validator *license.Validator
}

func openLicenseStack(configDir, dataDir string) (*licenseStack, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	store, err := docstore.NewSQLiteStore(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open document database: %w", err)
	}

	gateway := docstore.NewGateway(store)
	validator := buildValidator(cfg, gateway)

	if err := validator.Initialize(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize license validator: %w", err)
	}

	return &licenseStack{cfg: cfg, store: store, validator: validator}, nil
}

func (s *licenseStack) Close() {
	s.validator.Shutdown()
	s.store.Close()
}

func readLicenseKey(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read license key: %w", err)
		}
		return strings.TrimSpace(string(key)), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var key string
	if _, err := fmt.Scanln(&key); err != nil {
		return "", fmt.Errorf("failed to read license key from stdin: %w", err)
	}
	return strings.TrimSpace(key), nil
}

func runLicenseActivateCommand() *cobra.Command {
	var configDir, dataDir, key string

	command := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license key on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				var err error
				key, err = readLicenseKey("Enter license key: ")
				if err != nil {
					return err
				}
			}
			if key == "" {
				return fmt.Errorf("license key cannot be empty")
			}

			stack, err := openLicenseStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer stack.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			info, err := stack.validator.ValidateLicense(ctx, key, true)
			if err != nil {
				var verr *license.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("license rejected: %s", verr.UserMessage())
				}
				return fmt.Errorf("failed to validate license: %w", err)
			}

			cmd.Printf("License activated (%s", info.LicenseType)
			if info.ExpiresAt != nil {
				cmd.Printf(", expires %s", info.ExpiresAt.Format("2006-01-02"))
			}
			cmd.Println(")")
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")
	command.Flags().StringVar(&key, "key", "", "license key (will prompt if not provided)")

	return command
}

func runLicenseStatusCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "status",
		Short: "Show the held license and its validity",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openLicenseStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer stack.Close()

			info := stack.validator.CurrentLicense()
			if info == nil {
				cmd.Println("No license held.")
				return nil
			}

			cmd.Printf("Type:      %s\n", info.LicenseType)
			cmd.Printf("Email:     %s\n", info.Email)
			cmd.Printf("Valid:     %t\n", stack.validator.IsLicenseValid())
			if info.ExpiresAt != nil {
				cmd.Printf("Expires:   %s\n", info.ExpiresAt.Format(time.RFC3339))
			}
			if info.InGracePeriod {
				cmd.Println("Status:    in grace period")
			}
			if age, ok := stack.validator.CacheAge(); ok {
				cmd.Printf("Verified:  %s ago\n", age.Round(time.Minute))
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")

	return command
}

func runLicenseDeactivateCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "deactivate",
		Short: "Remove the held license from this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openLicenseStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer stack.Close()

			if err := stack.validator.ClearLicense(context.Background()); err != nil {
				return fmt.Errorf("failed to clear license: %w", err)
			}

			cmd.Println("License removed.")
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")

	return command
}

func runLicenseBackupCommand() *cobra.Command {
	var configDir, dataDir, outPath string

	command := &cobra.Command{
		Use:   "backup",
		Short: "Export the stored license as a portable backup string",
		Long: `Export the stored license as a portable backup string.

The backup is bound to this device and can only be restored on the device
that created it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openLicenseStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer stack.Close()

			backup, err := stack.validator.CreateBackup(context.Background())
			if err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(backup), 0o600); err != nil {
					return fmt.Errorf("failed to write backup file: %w", err)
				}
				cmd.Printf("Backup written to %s\n", outPath)
				return nil
			}

			fmt.Println(backup)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")
	command.Flags().StringVar(&outPath, "out", "", "write the backup to a file instead of stdout")

	return command
}

func runLicenseRestoreCommand() *cobra.Command {
	var configDir, dataDir, inPath, backup string

	command := &cobra.Command{
		Use:   "restore",
		Short: "Restore a license from a backup string",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backup == "" && inPath != "" {
				data, err := os.ReadFile(inPath)
				if err != nil {
					return fmt.Errorf("failed to read backup file: %w", err)
				}
				backup = strings.TrimSpace(string(data))
			}
			if backup == "" {
				return fmt.Errorf("provide a backup with --backup or --in")
			}

			stack, err := openLicenseStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer stack.Close()

			if err := stack.validator.RestoreBackup(context.Background(), backup); err != nil {
				return fmt.Errorf("failed to restore backup: %w", err)
			}

			cmd.Println("License restored.")
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")
	command.Flags().StringVar(&inPath, "in", "", "read the backup from a file")
	command.Flags().StringVar(&backup, "backup", "", "backup string")

	return command
}
