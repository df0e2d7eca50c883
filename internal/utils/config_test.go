package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/pkg/file"
)

const minimalConfig = `
device:
  version: 1.9.0
  board: esp32s3
update:
  url: https://updates.example.com/manifest
  stall_timeout: 30s
partition:
  slots:
    - label: a
      path: /var/lib/display-ota/slot-a.img
      size: 4194304
    - label: b
      path: /var/lib/display-ota/slot-b.img
      size: 4194304
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// TestLoadConfig_AppliesDefaults tests defaults for a minimal config.
func TestLoadConfig_AppliesDefaults(t *testing.T) {
	// Setup
	path := writeConfig(t, minimalConfig)

	// Execute
	cfg, err := LoadConfig(path, file.NewFileService())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", cfg.Device.Version)
	assert.Equal(t, "esp32s3", cfg.Device.Board)
	assert.Equal(t, 30*time.Second, cfg.Update.StallTimeout)
	assert.Equal(t, constants.DefaultChunkTimeout, cfg.Update.ChunkTimeout)
	assert.Equal(t, constants.DefaultChunkSize, cfg.Update.ChunkSize)
	assert.Equal(t, constants.DefaultCheckInterval, cfg.Update.CheckInterval)
	assert.Equal(t, constants.DefaultUserAgent, cfg.Transport.UserAgent)
	assert.Zero(t, cfg.Transport.DownloadTimeout, "downloads are bounded per chunk, not in total")
	assert.Equal(t, constants.DefaultMaxBootFailures, cfg.Boot.MaxBootFailures)
	assert.Equal(t, "supervisor", cfg.Watchdog.Backend)
	assert.Equal(t, cfg.Watchdog.DefaultTimeout/2, cfg.Watchdog.FeedInterval)
	assert.Len(t, cfg.Partition.Slots, 2)
	assert.Equal(t, int64(4194304), cfg.Partition.Slots[1].Size)
}

// TestLoadConfig_MissingFile tests loading a config that does not exist.
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), file.NewFileService())
	assert.Error(t, err)
}

// TestLoadConfig_RejectsInvalid tests validation errors.
func TestLoadConfig_RejectsInvalid(t *testing.T) {
	// Setup
	path := writeConfig(t, `
partition:
  slots:
    - label: a
      path: /tmp/a
mqtt:
  enabled: true
  qos: 5
watchdog:
  backend: bogus
`)

	// Execute
	_, err := LoadConfig(path, file.NewFileService())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two slots")
	assert.Contains(t, err.Error(), "mqtt.broker")
	assert.Contains(t, err.Error(), "qos 5")
	assert.Contains(t, err.Error(), "bogus")
}

// TestValidate_DuplicateSlots tests rejection of duplicate slot labels.
func TestValidate_DuplicateSlots(t *testing.T) {
	var cfg Config
	cfg.Partition.Slots = []SlotConfig{{Label: "a", Path: "/x"}, {Label: "a", Path: "/y"}}
	cfg.ApplyDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate slot label")
}
