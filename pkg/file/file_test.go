package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteJsonFile_AtomicReplace tests replacing a JSON file atomically.
func TestWriteJsonFile_AtomicReplace(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "state", "registry.json")

	require.NoError(t, fs.WriteJsonFile(path, map[string]string{"fail_ota_ver": "1.4.0"}))
	require.NoError(t, fs.WriteJsonFile(path, map[string]string{"fail_ota_ver": ""}))

	var got map[string]string
	require.NoError(t, fs.ReadJsonFile(path, &got))
	assert.Equal(t, "", got["fail_ota_ver"])

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

// TestIsFileExists tests file existence checks.
func TestIsFileExists(t *testing.T) {
	// Setup
	fs := NewFileService()
	dir := t.TempDir()

	// Execute
	exists, err := fs.IsFileExists(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.False(t, exists)

	// Assert
	path := filepath.Join(dir, "present")
	require.NoError(t, fs.WriteFileRaw(path, []byte("x")))
	exists, err = fs.IsFileExists(path)
	assert.NoError(t, err)
	assert.True(t, exists)
}

// TestGetFileHash tests the file SHA-256 helper.
func TestGetFileHash(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, fs.WriteFileRaw(path, []byte("abc")))

	hash, err := fs.GetFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)
}

// TestReadYamlFile tests reading a YAML file.
func TestReadYamlFile(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("update:\n  board: esp32s3\n"), 0600))

	var cfg struct {
		Update struct {
			Board string `yaml:"board"`
		} `yaml:"update"`
	}
	require.NoError(t, fs.ReadYamlFile(path, &cfg))
	assert.Equal(t, "esp32s3", cfg.Update.Board)
}
