package sysinfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/net"
)

// Probe reports the resource figures the update engine watches while streaming.
type Probe interface {
	FreeMemory() (uint64, error)
	FreeDisk(path string) (uint64, error)
	NetworkUp(ctx context.Context) (bool, error)
}

// SystemProbe reads the figures from the running host.
type SystemProbe struct{}

// NewSystemProbe creates a probe backed by gopsutil.
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{}
}

// FreeMemory returns the memory available to new allocations, in bytes.
func (p *SystemProbe) FreeMemory() (uint64, error) {
	memStats, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve memory statistics: %w", err)
	}
	return memStats.Available, nil
}

// FreeDisk returns the free bytes on the filesystem holding path.
func (p *SystemProbe) FreeDisk(path string) (uint64, error) {
	diskStats, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk usage for %s: %w", path, err)
	}
	return diskStats.Free, nil
}

// NetworkUp reports whether a non-loopback interface is up with an address.
func (p *SystemProbe) NetworkUp(ctx context.Context) (bool, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// StaticProbe returns fixed figures. Used on hosts without the probes and in tests.
type StaticProbe struct {
	Memory  uint64
	Disk    uint64
	Network bool
	Err     error
}

func (p StaticProbe) FreeMemory() (uint64, error) { return p.Memory, p.Err }
func (p StaticProbe) FreeDisk(string) (uint64, error) { return p.Disk, p.Err }
func (p StaticProbe) NetworkUp(context.Context) (bool, error) { return p.Network, p.Err }
