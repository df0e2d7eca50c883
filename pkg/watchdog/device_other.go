//go:build !linux

package watchdog

import (
	"fmt"
	"runtime"
	"time"
)

// Device is unavailable outside Linux.
type Device struct{}

func OpenDevice(path string) (*Device, error) {
	return nil, fmt.Errorf("hardware watchdog %s is not supported on %s", path, runtime.GOOS)
}

func (d *Device) Name() string { return "device" }
func (d *Device) Subscribe(string) error { return nil }
func (d *Device) Unsubscribe(string) error { return ErrNotSubscribed }
func (d *Device) Reconfigure(time.Duration) error { return nil }
func (d *Device) Feed(string) error { return nil }
func (d *Device) Close() error { return nil }
