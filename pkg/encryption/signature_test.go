package encryption

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/benmeehan/display-ota/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// secretHex is the device secret 00 01 .. 1f.
const (
	secretHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	keyHash   = "630dcd2966c4336691125448bbb25b4ff412a49c732db2c8abc1b8581bd710dd"
)

// TestHMACSigner_KnownVectors tests the signature against values computed for
// the message serial:timestamp:sha256hex(body) keyed with the secret's hex hash.
func TestHMACSigner_KnownVectors(t *testing.T) {
	// Setup
	s := NewHMACSigner("A1B2C3D4", nil).WithKeyHash(keyHash)

	// Execute
	emptyBody := s.Sign(1700000000, nil)
	jsonBody := s.Sign(1700000000, []byte(`{"version":"1.0.0"}`))

	// Assert
	assert.Equal(t, "a1926ec5f013ece65e9a2a28849445adc631b59938359c25c4e666d3a4f21cbe", emptyBody)
	assert.Equal(t, "16f74fe5b958932ead7c65423c39e6231f0a97424ce2b7df562075e0f64425bc", jsonBody)
}

// TestHMACSigner_SignVerify tests verification against the timestamp and encoding.
func TestHMACSigner_SignVerify(t *testing.T) {
	// Setup
	s := NewHMACSigner("SN-0001", file.NewFileService()).WithKeyHash(keyHash)

	// Execute
	sig := s.Sign(1700000000, nil)

	// Assert
	assert.Len(t, sig, 64)
	assert.True(t, s.Verify(1700000000, nil, sig))
	assert.False(t, s.Verify(1700000001, nil, sig))
	assert.False(t, s.Verify(1700000000, nil, "zz"))
	assert.Equal(t, "SN-0001", s.Serial())
}

// TestHMACSigner_Initialize tests that the key file secret derives the same key hash.
func TestHMACSigner_Initialize(t *testing.T) {
	// Setup
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "device.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(secretHex+"\n"), 0600))

	// Execute
	fromFile := NewHMACSigner("A1B2C3D4", file.NewFileService())
	require.NoError(t, fromFile.Initialize(keyPath))
	direct := NewHMACSigner("A1B2C3D4", nil).WithKeyHash(keyHash)

	// Assert
	assert.Equal(t, direct.Sign(42, []byte("body")), fromFile.Sign(42, []byte("body")))

	empty := filepath.Join(dir, "empty.key")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0600))
	assert.Error(t, NewHMACSigner("A1B2C3D4", file.NewFileService()).Initialize(empty))

	notHex := filepath.Join(dir, "text.key")
	require.NoError(t, os.WriteFile(notHex, []byte("secret"), 0600))
	assert.Error(t, NewHMACSigner("A1B2C3D4", file.NewFileService()).Initialize(notHex))
}
