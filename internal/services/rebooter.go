package services

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRebootCommand is used when the config names none.
var DefaultRebootCommand = []string{"systemctl", "reboot"}

// CommandRebooter reboots by running an external command after a short delay
// so the final status messages leave the device.
type CommandRebooter struct {
	Command []string
	Delay   time.Duration
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewCommandRebooter falls back to DefaultRebootCommand when command is empty.
func NewCommandRebooter(command []string, delay time.Duration, logger zerolog.Logger) *CommandRebooter {
	if len(command) == 0 {
		command = DefaultRebootCommand
	}
	return &CommandRebooter{
		Command: command,
		Delay:   delay,
		Timeout: 30 * time.Second,
		Logger:  logger,
	}
}

// Reboot runs the configured command.
func (r *CommandRebooter) Reboot(reason string) error {
	if len(r.Command) == 0 {
		return errors.New("no reboot command configured")
	}
	r.Logger.Warn().Str("reason", reason).Dur("delay", r.Delay).Strs("command", r.Command).Msg("Rebooting")
	time.Sleep(r.Delay)

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot command failed: %w (output: %s)", err, output)
	}
	return nil
}
