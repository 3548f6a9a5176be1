// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefaultConfig(t *testing.T) {
	tests := []struct {
		name            string
		existingFile    bool
		validateContent func(t *testing.T, content string)
	}{
		{
			name:         "create_new_config",
			existingFile: false,
			validateContent: func(t *testing.T, content string) {
				assert.Contains(t, content, "# config.toml")
				assert.Contains(t, content, "host =")
				assert.Contains(t, content, "port =")
				assert.Contains(t, content, "logLevel =")
				assert.Contains(t, content, "[gumroad]")
				assert.Contains(t, content, "[license]")
				assert.Contains(t, content, "[webhook]")
			},
		},
		{
			name:         "skip_existing_config",
			existingFile: true,
			validateContent: func(t *testing.T, content string) {
				assert.Equal(t, "existing content", content)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.toml")

			if tt.existingFile {
				err := os.WriteFile(configPath, []byte("existing content"), 0644)
				require.NoError(t, err)
			}

			err := WriteDefaultConfig(configPath)
			assert.NoError(t, err)

			content, err := os.ReadFile(configPath)
			require.NoError(t, err)
			tt.validateContent(t, string(content))
		})
	}
}

func TestWriteDefaultConfigCreatesDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "dir", "config.toml")

	err := WriteDefaultConfig(configPath)
	require.NoError(t, err)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestGeneratedConfigLoads(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	require.NoError(t, WriteDefaultConfig(configPath))

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	// Generated defaults must match the compiled-in defaults
	assert.Equal(t, "localhost", cfg.Config.Host)
	assert.Equal(t, 8090, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, 3, cfg.Config.License.GracePeriodDays)
	assert.Equal(t, 30, cfg.Config.Webhook.RetentionDays)
}
