package watchdog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task names subscribed to the default watchdog group.
const (
	TaskMain    = "main"
	TaskNetwork = "network"
	TaskIdle0   = "idle0"
	TaskIdle1   = "idle1"
	// TaskUpdate is the single task fed while an update holds the watchdog.
	TaskUpdate = "ota"
)

// DefaultTasks are removed from supervision when an update suspends the group.
var DefaultTasks = []string{TaskMain, TaskNetwork, TaskIdle0, TaskIdle1}

// ErrNotSubscribed is returned by a backend asked to drop a task it does not supervise.
var ErrNotSubscribed = errors.New("task not subscribed")

// Backend is the watchdog the coordinator drives.
type Backend interface {
	Name() string
	Subscribe(task string) error
	Unsubscribe(task string) error
	Reconfigure(timeout time.Duration) error
	Feed(task string) error
}

// Coordinator swaps the short multi-task watchdog group for one long watchdog
// while an update runs. Suspend must be paired with Resume on every exit path
// that does not end in a reboot.
type Coordinator struct {
	backend        Backend
	tasks          []string
	defaultTimeout time.Duration
	updateTimeout  time.Duration
	logger         zerolog.Logger

	mu        sync.Mutex
	suspended bool
	removed   []string
	feeds     uint64
}

// NewCoordinator creates a coordinator over backend.
func NewCoordinator(backend Backend, defaultTimeout, updateTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		backend:        backend,
		tasks:          append([]string(nil), DefaultTasks...),
		defaultTimeout: defaultTimeout,
		updateTimeout:  updateTimeout,
		logger:         logger.With().Str("component", "watchdog").Str("backend", backend.Name()).Logger(),
	}
}

// Suspend removes the default tasks from supervision and arms a single watchdog
// with the update timeout. Calling it while already suspended is a no-op.
func (c *Coordinator) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return nil
	}

	removed := make([]string, 0, len(c.tasks))
	for _, task := range c.tasks {
		err := c.backend.Unsubscribe(task)
		switch {
		case err == nil:
			removed = append(removed, task)
		case errors.Is(err, ErrNotSubscribed):
		default:
			c.logger.Warn().Err(err).Str("task", task).Msg("Failed to remove task from watchdog")
		}
	}

	if err := c.backend.Reconfigure(c.updateTimeout); err != nil {
		c.restore(removed)
		return fmt.Errorf("failed to reconfigure watchdog for update: %w", err)
	}
	if err := c.backend.Subscribe(TaskUpdate); err != nil {
		c.restore(removed)
		return fmt.Errorf("failed to subscribe update task: %w", err)
	}

	c.suspended = true
	c.removed = removed
	c.feeds = 0
	c.logger.Info().
		Dur("timeout", c.updateTimeout).
		Strs("removed", removed).
		Msg("Task watchdog reconfigured for update")
	return nil
}

// Resume restores the default watchdog group. It is idempotent.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.suspended {
		return nil
	}

	if err := c.backend.Unsubscribe(TaskUpdate); err != nil && !errors.Is(err, ErrNotSubscribed) {
		c.logger.Warn().Err(err).Msg("Failed to remove update task from watchdog")
	}
	err := c.restore(c.removed)

	c.suspended = false
	c.removed = nil
	c.logger.Info().Uint64("feeds", c.feeds).Msg("Task watchdog restored")
	return err
}

// restore must be called with mu held.
func (c *Coordinator) restore(tasks []string) error {
	var errs []error
	if err := c.backend.Reconfigure(c.defaultTimeout); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure: %w", err))
	}
	for _, task := range tasks {
		if err := c.backend.Subscribe(task); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", task, err))
		}
	}
	return errors.Join(errs...)
}

// Feed kicks the update watchdog, or the main task when not suspended.
func (c *Coordinator) Feed() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := TaskMain
	if c.suspended {
		task = TaskUpdate
		c.feeds++
	}
	return c.backend.Feed(task)
}

// Suspended reports whether an update currently holds the watchdog.
func (c *Coordinator) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// SelfCheck verifies the backend accepts a feed. Used by boot validation.
func (c *Coordinator) SelfCheck() error {
	if err := c.Feed(); err != nil {
		return fmt.Errorf("watchdog self-check failed: %w", err)
	}
	return nil
}
