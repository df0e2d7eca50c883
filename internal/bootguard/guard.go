package bootguard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/discovery"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/pkg/partition"
)

// Options tune boot validation.
type Options struct {
	CurrentVersion   string
	GracePeriod      time.Duration // Time health checks get to pass on a pending boot
	RetryInterval    time.Duration // Pause between failed health check rounds
	MaxBootFailures  int           // Unconfirmed boots tolerated before rolling back
	MaxBootLoopCount int           // Boots after which the counter is reset to let the device come up
}

func (o *Options) applyDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = constants.DefaultGracePeriod
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.MaxBootFailures <= 0 {
		o.MaxBootFailures = constants.DefaultMaxBootFailures
	}
	if o.MaxBootLoopCount <= 0 {
		o.MaxBootLoopCount = constants.DefaultMaxBootLoopCount
	}
}

// Guard decides, once per boot, whether the running image is kept.
type Guard struct {
	opts   Options
	table  partition.Table
	store  registry.Store
	checks []HealthCheck
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	report *models.BootReport
	err    error
}

// New builds a Guard.
func New(opts Options, table partition.Table, store registry.Store, checks []HealthCheck, logger zerolog.Logger) *Guard {
	opts.applyDefaults()
	return &Guard{
		opts:   opts,
		table:  table,
		store:  store,
		checks: checks,
		logger: logger,
		now:    time.Now,
	}
}

// ValidateBootOnce runs boot validation. Later calls in the same process return
// the first outcome. A rollback is reported with ErrBootValidationFailed and a
// report asking for a reboot.
func (g *Guard) ValidateBootOnce(ctx context.Context) (models.BootReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.report != nil {
		return *g.report, g.err
	}

	report, err := g.validate(ctx)
	report.Timestamp = g.now()
	if ctx.Err() != nil && report.State == constants.BootValidating {
		// Interrupted before a decision; the next call starts over.
		return report, err
	}
	g.report = &report
	g.err = err
	return report, err
}

func (g *Guard) validate(ctx context.Context) (models.BootReport, error) {
	running := g.table.Running()
	report := models.BootReport{
		State:     constants.BootNormal,
		Partition: running.Label,
		Version:   g.opts.CurrentVersion,
	}

	g.reconcile(running.Label)

	ctl, err := g.table.Control()
	if err != nil {
		return report, fmt.Errorf("failed to read boot control: %w", err)
	}

	// The bootloader fell back before we ran: the pending slot never came up.
	if ctl.Pending && ctl.Boot != running.Label {
		return g.abandonPending(ctl, report)
	}

	count, err := g.incrementBootCount()
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to persist boot counter")
	}
	report.BootCount = count
	pending := ctl.Pending && ctl.Boot == running.Label
	g.logger.Info().
		Str("partition", running.Label).
		Str("version", g.opts.CurrentVersion).
		Bool("pending", pending).
		Int("boot_count", count).
		Int("max_failures", g.opts.MaxBootFailures).
		Msg("Validating boot")

	if count > g.opts.MaxBootFailures {
		if pending {
			report.Reason = fmt.Sprintf("boot failed %d times", count-1)
			return g.rollback(report)
		}
		if rolled, ok, err := g.crashLoop(report, count); ok {
			return rolled, err
		}
	}

	if pending {
		report.State = constants.BootValidating
		if err := g.awaitHealthy(ctx, g.opts.GracePeriod); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Reason = err.Error()
			return g.rollback(report)
		}
		return g.confirm(report, true)
	}

	if err := g.awaitHealthy(ctx, g.opts.GracePeriod); err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// Nothing to roll back to on a normal boot; the crash loop counter handles repeated failures.
		report.Reason = err.Error()
		g.logger.Warn().Err(err).Msg("Health checks failed on normal boot")
		return report, nil
	}
	return g.confirm(report, false)
}

// reconcile copies slot metadata into the registry, covering a power loss
// between flashing a slot and recording its version.
func (g *Guard) reconcile(running string) {
	ctl, err := g.table.Control()
	if err != nil {
		return
	}
	for label, meta := range ctl.Slots {
		version := meta.Version
		if label == running && g.opts.CurrentVersion != "" {
			version = g.opts.CurrentVersion
		}
		if version == "" || meta.State == partition.SlotInvalid || meta.State == partition.SlotWriting {
			continue
		}
		if g.store.PartitionVersion(label) != version {
			if err := g.store.SetPartitionVersion(label, version); err != nil {
				g.logger.Warn().Err(err).Str("slot", label).Msg("Failed to reconcile partition version")
				continue
			}
			g.logger.Info().Str("slot", label).Str("version", version).Msg("Partition version reconciled")
		}
	}
}

func (g *Guard) incrementBootCount() (int, error) {
	count := g.store.BootCount() + 1
	return count, g.store.Set(constants.KeyBootCount, strconv.Itoa(count))
}

// crashLoop handles repeated failed boots of an already confirmed image.
func (g *Guard) crashLoop(report models.BootReport, count int) (models.BootReport, bool, error) {
	last := g.store.LastPartition()
	ctl, err := g.table.Control()
	if err == nil {
		for label, meta := range ctl.Slots {
			if label == report.Partition || meta.State != partition.SlotValid {
				continue
			}
			if label == last {
				g.logger.Warn().Str("slot", label).Msg("Already rolled back into this slot, not switching again")
				break
			}
			report.Reason = fmt.Sprintf("crash loop: %d boots without confirmation", count-1)
			r, err := g.rollback(report)
			return r, true, err
		}
	}

	if count > g.opts.MaxBootLoopCount {
		g.logger.Warn().Int("boot_count", count).Msg("Boot loop limit reached, resetting counter for recovery")
		if err := g.store.Set(constants.KeyBootCount, "0"); err != nil {
			g.logger.Error().Err(err).Msg("Failed to reset boot counter")
		}
	}
	return report, false, nil
}

// awaitHealthy retries the health checks until they all pass or timeout elapses.
func (g *Guard) awaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := g.now().Add(timeout)
	for {
		err := g.runChecks(ctx)
		if err == nil {
			return nil
		}
		remaining := deadline.Sub(g.now())
		if remaining <= 0 {
			return fmt.Errorf("health checks did not pass within %s: %w", timeout, err)
		}
		wait := g.opts.RetryInterval
		if wait > remaining {
			wait = remaining
		}
		g.logger.Debug().Err(err).Dur("retry_in", wait).Msg("Health check failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Guard) runChecks(ctx context.Context) error {
	var failed []string
	var errList []error
	for _, check := range g.checks {
		if err := check.Check(ctx); err != nil {
			failed = append(failed, check.Name())
			errList = append(errList, fmt.Errorf("%s: %w", check.Name(), err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("failed checks [%s]: %w", strings.Join(failed, ", "), errors.Join(errList...))
}

func (g *Guard) confirm(report models.BootReport, pending bool) (models.BootReport, error) {
	if pending {
		if err := g.table.MarkValid(report.Partition); err != nil {
			return report, fmt.Errorf("failed to mark %s valid: %w", report.Partition, err)
		}
		report.State = constants.BootConfirmed
	}

	failed := g.store.FailedVersion()
	if failed != "" && !discovery.SameVersion(failed, g.opts.CurrentVersion) {
		if err := g.store.ClearFailedVersion(); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to clear failed version")
		}
	}
	if err := g.store.SetMany(map[string]string{
		constants.KeyBootCount:                           "0",
		constants.KeyPartitionVersion + report.Partition: g.opts.CurrentVersion,
	}); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to record confirmed boot")
	}

	report.BootCount = 0
	g.logger.Info().Str("partition", report.Partition).Str("version", report.Version).Str("state", string(report.State)).Msg("Boot confirmed")
	return report, nil
}

func (g *Guard) rollback(report models.BootReport) (models.BootReport, error) {
	g.logger.Error().Str("partition", report.Partition).Str("version", report.Version).Str("reason", report.Reason).Msg("Rolling back")

	target, err := g.table.Rollback()
	if err != nil {
		return report, fmt.Errorf("%w: rollback impossible: %v", errs.ErrBootValidationFailed, err)
	}

	values := map[string]string{
		constants.KeyBootCount:     "0",
		constants.KeyLastPartition: target.Label,
	}
	if report.Version != "" {
		values[constants.KeyFailedVersion] = report.Version
	}
	if err := g.store.SetMany(values); err != nil {
		g.logger.Error().Err(err).Msg("Failed to record rollback")
	}

	report.State = constants.BootRolledBack
	report.Fallback = target.Label
	report.Reboot = true
	return report, fmt.Errorf("%w: %s", errs.ErrBootValidationFailed, report.Reason)
}

// abandonPending records a pending slot that never booted.
func (g *Guard) abandonPending(ctl partition.BootControl, report models.BootReport) (models.BootReport, error) {
	failedVersion := ""
	if meta, ok := ctl.Slots[ctl.Boot]; ok {
		failedVersion = meta.Version
	}
	g.logger.Error().Str("pending", ctl.Boot).Str("running", report.Partition).Str("version", failedVersion).Msg("Pending image did not boot")

	if err := g.table.MarkInvalid(ctl.Boot); err != nil {
		return report, fmt.Errorf("failed to invalidate %s: %w", ctl.Boot, err)
	}
	values := map[string]string{
		constants.KeyBootCount:     "0",
		constants.KeyLastPartition: report.Partition,
	}
	if failedVersion != "" {
		values[constants.KeyFailedVersion] = failedVersion
	}
	if err := g.store.SetMany(values); err != nil {
		g.logger.Error().Err(err).Msg("Failed to record abandoned image")
	}

	report.State = constants.BootRolledBack
	report.Fallback = report.Partition
	report.Reason = fmt.Sprintf("pending slot %s did not boot", ctl.Boot)
	return report, fmt.Errorf("%w: %s", errs.ErrBootValidationFailed, report.Reason)
}
