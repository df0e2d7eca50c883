package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseURL tests parsing s3:// URLs.
func TestParseURL(t *testing.T) {
	bucket, object, err := ParseURL("s3://firmware/display/2.0.0/firmware.bin")
	require.NoError(t, err)
	assert.Equal(t, "firmware", bucket)
	assert.Equal(t, "display/2.0.0/firmware.bin", object)

	for _, bad := range []string{"https://firmware/x.bin", "s3://firmware", "s3:///x.bin", "::"} {
		_, _, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
}

// TestOpenObject_NotConnected tests opening an object before connecting.
func TestOpenObject_NotConnected(t *testing.T) {
	_, _, err := NewObjectStorage().OpenObject(context.Background(), "b", "o")
	assert.Error(t, err)
}

// TestConnect_BuildsClient tests building the object storage client.
func TestConnect_BuildsClient(t *testing.T) {
	store := NewObjectStorage()
	require.NoError(t, store.Connect("localhost:9000", "key", "secret", false))
	assert.NotNil(t, store.Conn)
}
