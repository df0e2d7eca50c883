package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/pkg/identity"
	"github.com/benmeehan/display-ota/pkg/mqtt"
)

// Checker finds out whether a newer artifact is published.
type Checker interface {
	Check(ctx context.Context) (models.CheckResult, error)
	CurrentVersion() string
}

// Installer writes an artifact into the inactive slot or the filesystem.
type Installer interface {
	Install(ctx context.Context, manifest models.UpdateManifest) (models.InstallResult, error)
}

// BootValidator decides whether the running image is kept.
type BootValidator interface {
	ValidateBootOnce(ctx context.Context) (models.BootReport, error)
}

// Rebooter restarts the device.
type Rebooter interface {
	Reboot(reason string) error
}

// UpdateServiceConfig holds the service settings taken from the config file.
type UpdateServiceConfig struct {
	Topic         string        // Command topic prefix; the device ID is appended
	StatusTopic   string        // Status topic prefix; the device ID is appended
	QOS           int           // MQTT QoS level
	CheckInterval time.Duration // Zero disables the scheduler
	StatusRate    float64       // Progress events per second; state changes are never throttled
}

// UpdateService drives check, install and boot validation through a small
// state machine, on a schedule and on remote command.
type UpdateService struct {
	Config     UpdateServiceConfig
	DeviceInfo identity.DeviceInfoInterface
	MqttClient mqtt.MQTTClient // nil disables the command channel
	Logger     zerolog.Logger

	checker   Checker
	installer Installer
	guard     BootValidator
	store     registry.Store
	rebooter  Rebooter
	limiter   *rate.Limiter

	mu               sync.Mutex
	state            constants.UpdateState
	target           string
	validTransitions map[constants.UpdateState][]constants.UpdateState

	// runMu guards the lifecycle fields below. wg.Add only happens under it
	// while the service is running and not stopping.
	runMu    sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
	wg       sync.WaitGroup
	now    func() time.Time
}

// NewUpdateService creates and returns a new instance of UpdateService.
func NewUpdateService(cfg UpdateServiceConfig, deviceInfo identity.DeviceInfoInterface, mqttClient mqtt.MQTTClient,
	checker Checker, installer Installer, guard BootValidator, store registry.Store, rebooter Rebooter,
	logger zerolog.Logger) *UpdateService {

	limit := rate.Inf
	if cfg.StatusRate > 0 {
		limit = rate.Limit(cfg.StatusRate)
	}

	return &UpdateService{
		Config:     cfg,
		DeviceInfo: deviceInfo,
		MqttClient: mqttClient,
		Logger:     logger,
		checker:    checker,
		installer:  installer,
		guard:      guard,
		store:      store,
		rebooter:   rebooter,
		limiter:    rate.NewLimiter(limit, 1),
		state:      constants.UpdateStateIdle,
		validTransitions: map[constants.UpdateState][]constants.UpdateState{
			constants.UpdateStateIdle:        {constants.UpdateStateChecking, constants.UpdateStateDownloading},
			constants.UpdateStateChecking:    {constants.UpdateStateIdle},
			constants.UpdateStateDownloading: {constants.UpdateStateVerifying, constants.UpdateStateSuccess, constants.UpdateStateFailure},
			constants.UpdateStateVerifying:   {constants.UpdateStateSuccess, constants.UpdateStateFailure},
			constants.UpdateStateSuccess:     {constants.UpdateStateIdle},
			constants.UpdateStateFailure:     {constants.UpdateStateIdle},
		},
		now: time.Now,
	}
}

// Start subscribes to the command topic and launches the scheduler.
func (u *UpdateService) Start() error {
	u.runMu.Lock()
	if u.ctx != nil {
		u.runMu.Unlock()
		u.Logger.Warn().Msg("UpdateService is already running")
		return errors.New("update service is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	u.ctx, u.cancel, u.stopping = ctx, cancel, false
	u.runMu.Unlock()

	if u.MqttClient != nil {
		topic := u.commandTopic()
		token := u.MqttClient.Subscribe(topic, byte(u.Config.QOS), u.handleUpdateCommand)
		token.Wait()
		if err := token.Error(); err != nil {
			cancel()
			u.runMu.Lock()
			u.ctx, u.cancel = nil, nil
			u.runMu.Unlock()
			u.wg.Wait()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		u.Logger.Info().Str("topic", topic).Msg("Subscribed to MQTT update topic")
	}

	if u.Config.CheckInterval > 0 && u.track() != nil {
		go func() {
			defer u.wg.Done()
			u.runScheduler(ctx)
		}()
	}

	u.Logger.Info().Dur("interval", u.Config.CheckInterval).Msg("UpdateService started successfully")
	return nil
}

// Stop unsubscribes, cancels any running session and waits for the workers.
// Commands arriving once Stop has begun are dropped.
func (u *UpdateService) Stop() error {
	u.runMu.Lock()
	if u.ctx == nil || u.stopping {
		u.runMu.Unlock()
		u.Logger.Warn().Msg("UpdateService is not running")
		return errors.New("update service is not running")
	}
	u.stopping = true
	cancel := u.cancel
	u.runMu.Unlock()

	if u.MqttClient != nil {
		token := u.MqttClient.Unsubscribe(u.commandTopic())
		token.Wait()
		if err := token.Error(); err != nil {
			u.Logger.Warn().Err(err).Msg("Failed to unsubscribe from update topic")
		}
	}

	cancel()
	u.wg.Wait()

	u.runMu.Lock()
	u.ctx, u.cancel, u.stopping = nil, nil, false
	u.runMu.Unlock()

	u.Logger.Info().Msg("UpdateService stopped successfully")
	return nil
}

// track registers a worker and returns its context, or nil when the service
// is stopped or stopping.
func (u *UpdateService) track() context.Context {
	u.runMu.Lock()
	defer u.runMu.Unlock()
	if u.ctx == nil || u.stopping {
		return nil
	}
	u.wg.Add(1)
	return u.ctx
}

// State returns the current update state.
func (u *UpdateService) State() constants.UpdateState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// CheckForUpdate runs one discovery cycle.
func (u *UpdateService) CheckForUpdate(ctx context.Context) (models.CheckResult, error) {
	if err := u.begin(constants.UpdateStateChecking, ""); err != nil {
		return models.CheckResult{}, err
	}

	result, err := u.checker.Check(ctx)
	target := ""
	if result.Available() {
		target = result.Manifest.Version
	}
	if serr := u.setState(constants.UpdateStateIdle, target, err); serr != nil {
		u.Logger.Error().Err(serr).Msg("Failed to leave checking state")
	}
	if err != nil {
		u.Logger.Warn().Err(err).Str("kind", errs.Kind(err)).Msg("Update check failed")
		return result, err
	}

	u.Logger.Info().
		Str("status", string(result.Status)).
		Str("current", result.CurrentVersion).
		Str("target", target).
		Bool("suppressed", result.Suppressed).
		Msg("Update check finished")
	return result, nil
}

// InstallUpdate installs manifest. A failure that a retry cannot fix records
// the version as failed so discovery stops offering it.
func (u *UpdateService) InstallUpdate(ctx context.Context, manifest models.UpdateManifest) (models.InstallResult, error) {
	if err := u.begin(constants.UpdateStateDownloading, manifest.Version); err != nil {
		return models.InstallResult{}, err
	}

	result, err := u.installer.Install(ctx, manifest)
	if err != nil {
		u.Logger.Error().Err(err).Str("version", manifest.Version).Str("kind", errs.Kind(err)).Msg("Update install failed")
		u.recordFailure(manifest.Version, err)
		u.finish(constants.UpdateStateFailure, err)
		return result, err
	}

	u.Logger.Info().
		Str("version", result.Version).
		Str("partition", result.Partition).
		Int64("bytes", result.BytesWritten).
		Msg("Update installed")

	if serr := u.setState(constants.UpdateStateSuccess, "", nil); serr != nil {
		u.Logger.Error().Err(serr).Msg("Failed to record install success")
	}
	if result.RebootNeeded {
		u.requestReboot(fmt.Sprintf("installed %s", manifest.Version))
	}
	if serr := u.setState(constants.UpdateStateIdle, "", nil); serr != nil {
		u.Logger.Error().Err(serr).Msg("Failed to return to idle")
	}
	return result, nil
}

// ValidateBootOnce runs boot validation, publishes the outcome and reboots
// when the outcome needs it.
func (u *UpdateService) ValidateBootOnce(ctx context.Context) (models.BootReport, error) {
	report, err := u.guard.ValidateBootOnce(ctx)
	u.publish(u.statusTopic()+"/boot", report)
	if report.Reboot {
		u.requestReboot(report.Reason)
	}
	return report, err
}

// RunCycle checks for an update and installs it when auto-update is on or
// force is set.
func (u *UpdateService) RunCycle(ctx context.Context, force bool) error {
	result, err := u.CheckForUpdate(ctx)
	if err != nil {
		return err
	}
	if !result.Available() {
		return nil
	}
	if !force && !u.store.AutoUpdate() {
		u.Logger.Info().Str("version", result.Manifest.Version).Msg("Update available but auto-update is disabled")
		return nil
	}
	_, err = u.InstallUpdate(ctx, *result.Manifest)
	return err
}

// HandleCommand executes one remote update command.
func (u *UpdateService) HandleCommand(ctx context.Context, payload models.UpdateCommandPayload) error {
	switch payload.Action {
	case constants.ActionCheck:
		_, err := u.CheckForUpdate(ctx)
		return err
	case constants.ActionInstall:
		if payload.Manifest != nil {
			_, err := u.InstallUpdate(ctx, *payload.Manifest)
			return err
		}
		return u.RunCycle(ctx, true)
	case constants.ActionClearFailed:
		u.Logger.Info().Str("version", u.store.FailedVersion()).Msg("Clearing failed version")
		return u.store.ClearFailedVersion()
	default:
		return fmt.Errorf("unknown update action %q", payload.Action)
	}
}

// ReportProgress publishes download progress. It is registered as the
// installer's progress callback.
func (u *UpdateService) ReportProgress(session models.DownloadSession) {
	u.mu.Lock()
	if u.state == constants.UpdateStateDownloading && session.ExpectedSize > 0 && session.BytesWritten >= session.ExpectedSize {
		status := u.applyLocked(constants.UpdateStateVerifying, "", nil)
		u.mu.Unlock()
		u.publishStatus(status, true)
		return
	}
	if u.state != constants.UpdateStateDownloading {
		u.mu.Unlock()
		return
	}
	status := u.statusLocked(nil)
	u.mu.Unlock()

	status.BytesWritten = session.BytesWritten
	status.ExpectedSize = session.ExpectedSize
	if session.ExpectedSize > 0 {
		status.Progress = int(min(session.BytesWritten*100/session.ExpectedSize, 100))
	}
	u.publishStatus(status, false)
}

func (u *UpdateService) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(u.Config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := u.RunCycle(ctx, false); err != nil {
				if errors.Is(err, errs.ErrSessionActive) {
					u.Logger.Debug().Msg("Skipping scheduled check, session active")
					continue
				}
				u.Logger.Warn().Err(err).Msg("Scheduled update cycle failed")
			}

		case <-ctx.Done():
			u.Logger.Info().Msg("Update scheduler stopping gracefully")
			return
		}
	}
}

// handleUpdateCommand processes incoming MQTT update commands.
func (u *UpdateService) handleUpdateCommand(client MQTT.Client, msg MQTT.Message) {
	u.Logger.Info().Str("topic", msg.Topic()).Msg("Received update command")

	var payload models.UpdateCommandPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		u.Logger.Error().Err(err).Msg("Failed to parse update command payload")
		return
	}

	ctx := u.track()
	if ctx == nil {
		u.Logger.Warn().Str("action", payload.Action).Msg("Dropping update command, service is stopping")
		return
	}
	go func() {
		defer u.wg.Done()
		if err := u.HandleCommand(ctx, payload); err != nil {
			u.Logger.Error().Err(err).Str("action", payload.Action).Msg("Update command failed")
		}
	}()
}

func (u *UpdateService) recordFailure(version string, err error) {
	switch {
	case errors.Is(err, errs.ErrSessionActive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errs.Retryable(err):
		u.Logger.Info().Str("version", version).Msg("Version stays eligible for retry")
		return
	}
	if serr := u.store.SetFailedVersion(version); serr != nil {
		u.Logger.Error().Err(serr).Str("version", version).Msg("Failed to record failed version")
	}
}

func (u *UpdateService) finish(state constants.UpdateState, cause error) {
	if err := u.setState(state, "", cause); err != nil {
		u.Logger.Error().Err(err).Msg("Failed to record install outcome")
	}
	if err := u.setState(constants.UpdateStateIdle, "", nil); err != nil {
		u.Logger.Error().Err(err).Msg("Failed to return to idle")
	}
}

func (u *UpdateService) requestReboot(reason string) {
	if u.rebooter == nil {
		u.Logger.Warn().Str("reason", reason).Msg("Reboot required but no rebooter configured")
		return
	}
	u.Logger.Info().Str("reason", reason).Msg("Requesting reboot")
	if err := u.rebooter.Reboot(reason); err != nil {
		u.Logger.Error().Err(err).Msg("Reboot request failed")
	}
}

// begin starts a session from idle.
func (u *UpdateService) begin(next constants.UpdateState, target string) error {
	u.mu.Lock()
	if u.state != constants.UpdateStateIdle {
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("%w: update service is %s", errs.ErrSessionActive, state)
	}
	status := u.applyLocked(next, target, nil)
	u.mu.Unlock()

	u.publishStatus(status, true)
	return nil
}

func (u *UpdateService) setState(next constants.UpdateState, target string, cause error) error {
	u.mu.Lock()
	if !u.isValidTransition(next) {
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("invalid update state transition %s -> %s", state, next)
	}
	status := u.applyLocked(next, target, cause)
	u.mu.Unlock()

	u.publishStatus(status, true)
	return nil
}

// applyLocked must be called with mu held.
func (u *UpdateService) applyLocked(next constants.UpdateState, target string, cause error) models.UpdateStatus {
	u.Logger.Debug().Str("from", string(u.state)).Str("to", string(next)).Msg("Update state transition")
	u.state = next
	if target != "" {
		u.target = target
	}
	status := u.statusLocked(cause)
	if next == constants.UpdateStateIdle {
		u.target = ""
	}
	return status
}

// statusLocked must be called with mu held.
func (u *UpdateService) statusLocked(cause error) models.UpdateStatus {
	status := models.UpdateStatus{
		DeviceID:       u.DeviceInfo.GetDeviceID(),
		State:          u.state,
		CurrentVersion: u.checker.CurrentVersion(),
		TargetVersion:  u.target,
		Timestamp:      u.now(),
	}
	if cause != nil {
		status.Error = cause.Error()
		status.ErrorKind = errs.Kind(cause)
	}
	return status
}

func (u *UpdateService) publishStatus(status models.UpdateStatus, force bool) {
	if u.MqttClient == nil {
		return
	}
	if !force && !u.limiter.Allow() {
		return
	}
	u.publish(u.statusTopic(), status)
}

func (u *UpdateService) publish(topic string, v any) {
	if u.MqttClient == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		u.Logger.Error().Err(err).Msg("Failed to serialize update status")
		return
	}

	token := u.MqttClient.Publish(topic, byte(u.Config.QOS), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		u.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish update status")
	}
}

func (u *UpdateService) commandTopic() string {
	return u.Config.Topic + "/" + u.DeviceInfo.GetDeviceID()
}

func (u *UpdateService) statusTopic() string {
	return u.Config.StatusTopic + "/" + u.DeviceInfo.GetDeviceID()
}

// isValidTransition must be called with mu held.
func (u *UpdateService) isValidTransition(newState constants.UpdateState) bool {
	validStates, exists := u.validTransitions[u.state]
	if !exists {
		return false
	}
	for _, validState := range validStates {
		if newState == validState {
			return true
		}
	}
	return false
}
