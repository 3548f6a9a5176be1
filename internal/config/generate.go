// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `# config.toml - postarchive configuration

# Hostname / IP for the HTTP server
#
# Default: "localhost"
#
host = "localhost"

# Port for the HTTP server
#
# Default: 8090
#
port = 8090

# Log level
#
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
#
logLevel = "INFO"

# Log file path
#
# Leave empty to log to stderr only.
#
#logPath = "postarchive.log"

# Data directory
#
# Where the document database lives. Defaults to the config directory.
#
#dataDir = ""

# Expose Prometheus metrics on /metrics
#
# Default: false
#
metricsEnabled = false

[gumroad]
# Gumroad product id used for license verification
#
productId = ""

# Shared secret for webhook signature verification
#
webhookSecret = ""

# Verification request retries and per-attempt timeout
#
maxRetries = 3
requestTimeoutSeconds = 10

[license]
# How long a cached verification stays fresh
#
cacheDurationHours = 24

# Devices allowed per license
#
maxDevices = 3

# Grace period after expiry before a license is rejected
#
gracePeriodDays = 3

# How long a cached license stays trusted while offline
#
offlineGracePeriodDays = 7

# Accept cached licenses when verification is unreachable
#
enableOfflineMode = true

# Background re-verification interval
#
autoRefreshHours = 24

[webhook]
# Retries for failed event handlers
#
maxRetries = 3

# First retry delay; doubles per attempt, capped at one hour
#
initialDelaySeconds = 30

# How often the queue is scanned for due retries
#
scanIntervalSeconds = 60

# How long completed event results are kept for replay detection
#
retentionDays = 30
`

// WriteDefaultConfig writes a commented default config file to the given
// path. An existing file is left untouched.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
