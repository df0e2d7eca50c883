package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBundlePack tests packing a directory and the printed result.
func TestBundlePack(t *testing.T) {
	// Setup
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "www"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "www", "index.html"), []byte("<html></html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0644))
	out := filepath.Join(t.TempDir(), "fs.lmwb")

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"bundle", "pack", src, "-o", out})

	// Execute
	err := rootCmd.Execute()

	// Assert
	require.NoError(t, err)
	var result packResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, out, result.Path)
	assert.Equal(t, uint64(2), result.Entries)
	assert.Equal(t, uint64(15), result.PayloadBytes)
	assert.Contains(t, result.Checksum, "sha256:")
	assert.Empty(t, result.URL)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.SizeBytes)
}
