package sysinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystemProbe_FreeMemory tests the free memory snapshot.
func TestSystemProbe_FreeMemory(t *testing.T) {
	free, err := NewSystemProbe().FreeMemory()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

// TestSystemProbe_FreeDisk tests the free disk snapshot.
func TestSystemProbe_FreeDisk(t *testing.T) {
	free, err := NewSystemProbe().FreeDisk(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

// TestStaticProbe tests the fixed probe.
func TestStaticProbe(t *testing.T) {
	// Setup
	p := StaticProbe{Memory: 42, Disk: 7, Network: true}

	// Execute
	mem, _ := p.FreeMemory()
	disk, _ := p.FreeDisk("/")
	up, _ := p.NetworkUp(context.Background())

	// Assert
	assert.Equal(t, uint64(42), mem)
	assert.Equal(t, uint64(7), disk)
	assert.True(t, up)
}
