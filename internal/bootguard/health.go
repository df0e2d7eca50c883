package bootguard

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/display-ota/pkg/sysinfo"
)

// HealthCheck must pass before a pending image is confirmed.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// NetworkCheck passes once a non-loopback interface is up.
type NetworkCheck struct {
	Probe sysinfo.Probe
}

func (n NetworkCheck) Name() string { return "network" }

func (n NetworkCheck) Check(ctx context.Context) error {
	up, err := n.Probe.NetworkUp(ctx)
	if err != nil {
		return fmt.Errorf("network probe failed: %w", err)
	}
	if !up {
		return errors.New("no network interface up")
	}
	return nil
}

// SelfChecker is implemented by the watchdog coordinator.
type SelfChecker interface {
	SelfCheck() error
}

// WatchdogCheck passes when the watchdog accepts a feed.
type WatchdogCheck struct {
	Watchdog SelfChecker
}

func (w WatchdogCheck) Name() string { return "watchdog" }

func (w WatchdogCheck) Check(context.Context) error {
	return w.Watchdog.SelfCheck()
}

// CheckFunc adapts a function to a HealthCheck.
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.Label }

func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
