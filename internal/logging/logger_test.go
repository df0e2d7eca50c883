package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/display-ota/internal/utils"
)

// TestSetup_JSONToStdout tests JSON logging to stdout.
func TestSetup_JSONToStdout(t *testing.T) {
	// Setup
	var cfg utils.Config
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	var out bytes.Buffer

	// Execute
	logger, err := setup(&cfg, &out)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Str("version", "2.0.0").Msg("installed")

	// Assert
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &line))
	assert.Equal(t, "installed", line["message"])
	assert.Equal(t, "2.0.0", line["version"])
	assert.Equal(t, "display-ota", line["service"])
}

// TestSetup_MultiWritesFile tests logging to stdout and a rotated file.
func TestSetup_MultiWritesFile(t *testing.T) {
	// Setup
	var cfg utils.Config
	cfg.Logging.Output = "multi"
	cfg.Logging.Format = "json"
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "agent.log")
	var out bytes.Buffer

	// Execute
	logger, err := setup(&cfg, &out)
	require.NoError(t, err)
	logger.Warn().Msg("slow write")

	// Assert
	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "slow write")
	assert.Contains(t, out.String(), "slow write")
}

// TestSetup_InvalidValues tests rejection of unknown logging settings.
func TestSetup_InvalidValues(t *testing.T) {
	var cfg utils.Config
	cfg.Logging.Level = "loud"
	_, err := setup(&cfg, &bytes.Buffer{})
	assert.Error(t, err)

	cfg.Logging.Level = "info"
	cfg.Logging.Output = "syslog"
	_, err = setup(&cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

// TestParseLevel tests log level parsing.
func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)
}
