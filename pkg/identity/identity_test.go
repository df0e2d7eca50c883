package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/display-ota/pkg/file"
)

// TestLoadDeviceInfo_MissingFile tests loading identity from a missing file.
func TestLoadDeviceInfo_MissingFile(t *testing.T) {
	info := NewDeviceInfo(filepath.Join(t.TempDir(), "identity.json"), file.NewFileService())

	require.NoError(t, info.LoadDeviceInfo())
	assert.Empty(t, info.GetDeviceID())
}

// TestSaveAndLoad tests saving and reloading the device identity.
func TestSaveAndLoad(t *testing.T) {
	// Setup
	path := filepath.Join(t.TempDir(), "identity.json")
	fs := file.NewFileService()
	require.NoError(t, fs.WriteJsonFile(path, Identity{Serial: "A1B2C3D4", Board: "esp32s3"}))

	// Execute
	info := NewDeviceInfo(path, fs)
	require.NoError(t, info.LoadDeviceInfo())
	assert.Equal(t, "A1B2C3D4", info.GetDeviceID(), "serial stands in for a missing id")
	assert.Equal(t, "esp32s3", info.GetDeviceIdentity().Board)

	// Assert
	require.NoError(t, info.SaveDeviceID("display-7"))
	reloaded := NewDeviceInfo(path, fs)
	require.NoError(t, reloaded.LoadDeviceInfo())
	assert.Equal(t, "display-7", reloaded.GetDeviceID())
	assert.Equal(t, "A1B2C3D4", reloaded.GetSerial())
}
