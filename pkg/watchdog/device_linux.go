//go:build linux

package watchdog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Device drives a Linux hardware watchdog such as /dev/watchdog. The kernel
// device has a single timer, so task subscriptions only gate who may feed it.
type Device struct {
	mu    sync.Mutex
	file  *os.File
	tasks map[string]struct{}
}

// OpenDevice opens the watchdog device at path. Opening arms the timer.
func OpenDevice(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open watchdog device %s: %w", path, err)
	}
	return &Device{file: file, tasks: make(map[string]struct{})}, nil
}

func (d *Device) Name() string {
	return "device"
}

func (d *Device) Subscribe(task string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[task] = struct{}{}
	return nil
}

func (d *Device) Unsubscribe(task string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[task]; !ok {
		return ErrNotSubscribed
	}
	delete(d.tasks, task)
	return nil
}

// Reconfigure sets the hardware timeout, rounded up to whole seconds.
func (d *Device) Reconfigure(timeout time.Duration) error {
	secs := int((timeout + time.Second - 1) / time.Second)
	if err := unix.IoctlSetPointerInt(int(d.file.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
		return fmt.Errorf("WDIOC_SETTIMEOUT %ds: %w", secs, err)
	}
	return nil
}

func (d *Device) Feed(task string) error {
	d.mu.Lock()
	_, ok := d.tasks[task]
	d.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	if err := unix.IoctlWatchdogKeepalive(int(d.file.Fd())); err != nil {
		return fmt.Errorf("WDIOC_KEEPALIVE: %w", err)
	}
	return nil
}

// Close disarms the timer using the magic close character and closes the device.
func (d *Device) Close() error {
	if _, err := d.file.Write([]byte("V")); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
