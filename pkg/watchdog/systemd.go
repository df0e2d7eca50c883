package watchdog

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Systemd drives the service manager watchdog through sd_notify. Task
// subscriptions are tracked locally since systemd supervises the whole process.
type Systemd struct {
	interval time.Duration
	notify   func(state string) (bool, error)
}

// NewSystemd returns a systemd backend, or an error when the unit has no
// WatchdogSec configured.
func NewSystemd() (*Systemd, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("failed to query systemd watchdog: %w", err)
	}
	if interval == 0 {
		return nil, fmt.Errorf("systemd watchdog is not enabled for this unit")
	}
	return &Systemd{
		interval: interval,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}, nil
}

func (s *Systemd) Name() string {
	return "systemd"
}

// Interval returns the watchdog interval configured on the unit.
func (s *Systemd) Interval() time.Duration {
	return s.interval
}

func (s *Systemd) Subscribe(string) error {
	return nil
}

func (s *Systemd) Unsubscribe(string) error {
	return nil
}

// Reconfigure asks the service manager to use a new watchdog timeout.
func (s *Systemd) Reconfigure(timeout time.Duration) error {
	sent, err := s.notify(fmt.Sprintf("WATCHDOG_USEC=%d", timeout.Microseconds()))
	if err != nil {
		return fmt.Errorf("sd_notify WATCHDOG_USEC: %w", err)
	}
	if !sent {
		return fmt.Errorf("sd_notify WATCHDOG_USEC: notification socket unavailable")
	}
	return nil
}

func (s *Systemd) Feed(string) error {
	if _, err := s.notify(daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("sd_notify WATCHDOG=1: %w", err)
	}
	return nil
}
