package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/bootguard"
	"github.com/benmeehan/display-ota/internal/discovery"
	"github.com/benmeehan/display-ota/internal/installer"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/internal/services"
	"github.com/benmeehan/display-ota/internal/utils"
	"github.com/benmeehan/display-ota/pkg/encryption"
	"github.com/benmeehan/display-ota/pkg/file"
	"github.com/benmeehan/display-ota/pkg/identity"
	"github.com/benmeehan/display-ota/pkg/mqtt"
	"github.com/benmeehan/display-ota/pkg/partition"
	"github.com/benmeehan/display-ota/pkg/s3"
	"github.com/benmeehan/display-ota/pkg/sysinfo"
	"github.com/benmeehan/display-ota/pkg/transport"
	"github.com/benmeehan/display-ota/pkg/watchdog"
)

// app holds the wired update engine.
type app struct {
	cfg        *utils.Config
	logger     zerolog.Logger
	fileClient file.FileOperations
	deviceInfo identity.DeviceInfoInterface
	probe      sysinfo.Probe
	store      *registry.Registry
	table      *partition.FileTable
	backend    watchdog.Backend
	watchdog   *watchdog.Coordinator
	clients    *transport.Factory
	anchor     []byte
	discovery  *discovery.Discovery
	installer  *installer.Installer
	guard      *bootguard.Guard
	rebooter   *services.CommandRebooter
	closers    []func()
}

func newApp(cfg *utils.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		fileClient: file.NewFileService(),
		probe:      sysinfo.NewSystemProbe(),
	}

	a.deviceInfo = identity.NewDeviceInfo(cfg.Device.IdentityFile, a.fileClient)
	if err := a.deviceInfo.LoadDeviceInfo(); err != nil {
		logger.Warn().Err(err).Str("file", cfg.Device.IdentityFile).Msg("Failed to load device identity")
	}
	board := cfg.Device.Board
	if board == "" {
		board = a.deviceInfo.GetDeviceIdentity().Board
	}

	store, err := registry.New(cfg.Registry.Path, a.fileClient, logger.With().Str("component", "registry").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	a.store = store

	if err := a.openPartitions(); err != nil {
		return nil, err
	}
	a.rebooter = services.NewCommandRebooter(cfg.Update.RebootCommand, 0, logger.With().Str("component", "reboot").Logger())
	if err := a.openWatchdog(); err != nil {
		return nil, err
	}
	if err := a.openTransport(); err != nil {
		return nil, err
	}

	var objects installer.ArtifactSource
	if cfg.S3.Endpoint != "" {
		storage := s3.NewObjectStorage()
		if err := storage.Connect(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.UseSSL); err != nil {
			return nil, fmt.Errorf("failed to connect object storage: %w", err)
		}
		objects = &installer.ObjectSource{Storage: storage}
	}

	a.installer = installer.New(installer.Options{
		ChunkSize:      cfg.Update.ChunkSize,
		ChunkTimeout:   cfg.Update.ChunkTimeout,
		StallTimeout:   cfg.Update.StallTimeout,
		HeaderTimeout:  cfg.Update.HeaderTimeout,
		MemoryFloor:    cfg.Update.MemoryFloor,
		FilesystemRoot: cfg.Update.FilesystemRoot,
	}, a.table, a.store, a.watchdog, installer.Sources{
		HTTP:   &installer.HTTPSource{Clients: a.clients},
		Object: objects,
	}, a.probe, logger.With().Str("component", "installer").Logger())

	a.discovery = discovery.New(discovery.Options{
		CurrentVersion: cfg.Device.Version,
		DefaultURL:     cfg.Update.URL,
		CloudBaseURL:   cfg.Update.CloudBaseURL,
		ReleasesURL:    cfg.Update.ReleasesURL,
		Board:          board,
		KnownBoards:    cfg.Update.KnownBoards,
	}, a.clients, a.store, a.installer, logger.With().Str("component", "discovery").Logger())

	a.guard = bootguard.New(bootguard.Options{
		CurrentVersion:   cfg.Device.Version,
		GracePeriod:      cfg.Boot.GracePeriod,
		RetryInterval:    cfg.Boot.RetryInterval,
		MaxBootFailures:  cfg.Boot.MaxBootFailures,
		MaxBootLoopCount: cfg.Boot.MaxBootLoopCount,
	}, a.table, a.store, []bootguard.HealthCheck{
		bootguard.NetworkCheck{Probe: a.probe},
		bootguard.WatchdogCheck{Watchdog: a.watchdog},
	}, logger.With().Str("component", "bootguard").Logger())

	return a, nil
}

func (a *app) openPartitions() error {
	slots := make([]partition.Slot, 0, len(a.cfg.Partition.Slots))
	for _, s := range a.cfg.Partition.Slots {
		slots = append(slots, partition.Slot{Label: s.Label, Path: s.Path, Size: s.Size})
	}

	running := a.cfg.Partition.Running
	if running == "" {
		detected, err := partition.DetectRunning(slots)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to detect running slot")
		}
		running = detected
	}
	if running == "" {
		running = slots[0].Label
		a.logger.Warn().Str("slot", running).Msg("Running slot not found in mounts, assuming first slot")
	}

	table, err := partition.NewFileTable(a.cfg.Partition.StateDir, slots, running, a.fileClient,
		a.logger.With().Str("component", "partition").Logger())
	if err != nil {
		return fmt.Errorf("failed to open partition table: %w", err)
	}
	a.table = table
	return nil
}

func (a *app) openWatchdog() error {
	cfg := a.cfg.Watchdog
	logger := a.logger.With().Str("component", "watchdog").Logger()

	switch cfg.Backend {
	case "systemd":
		backend, err := watchdog.NewSystemd()
		if err != nil {
			return err
		}
		a.backend = backend
	case "device":
		backend, err := watchdog.OpenDevice(cfg.Device)
		if err != nil {
			return fmt.Errorf("failed to open watchdog device: %w", err)
		}
		a.backend = backend
		a.closers = append(a.closers, func() {
			if err := backend.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close watchdog device")
			}
		})
	default:
		supervisor := watchdog.NewSupervisor(cfg.DefaultTimeout, logger)
		supervisor.OnExpire = func(task string) {
			logger.Error().Str("task", task).Msg("Watchdog expired")
			if err := a.rebooter.Reboot("watchdog expired: " + task); err != nil {
				logger.Error().Err(err).Msg("Watchdog reboot failed")
			}
		}
		supervisor.Start()
		a.backend = supervisor
		a.closers = append(a.closers, supervisor.Stop)
	}

	if err := a.backend.Reconfigure(cfg.DefaultTimeout); err != nil {
		return fmt.Errorf("failed to configure watchdog: %w", err)
	}
	if err := a.backend.Subscribe(watchdog.TaskMain); err != nil {
		return fmt.Errorf("failed to subscribe main task: %w", err)
	}
	a.watchdog = watchdog.NewCoordinator(a.backend, cfg.DefaultTimeout, cfg.UpdateTimeout, logger)
	return nil
}

func (a *app) openTransport() error {
	cfg := a.cfg.Transport
	anchor, err := transport.LoadCABundle(a.fileClient, cfg.CABundle)
	if err != nil {
		return err
	}
	a.anchor = anchor

	clients, err := transport.NewFactory(transport.Options{
		CABundle:        anchor,
		VerifyPeer:      !cfg.Insecure,
		RequestTimeout:  cfg.RequestTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		UserAgent:       cfg.UserAgent,
		MaxRedirects:    cfg.MaxRedirects,
	}, a.probe, a.logger)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	serial := a.deviceInfo.GetSerial()
	if cfg.SigningKeyFile != "" && serial != "" {
		signer := encryption.NewHMACSigner(serial, a.fileClient)
		if err := signer.Initialize(cfg.SigningKeyFile); err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		clients.WithSigner(signer)
	}
	a.clients = clients
	return nil
}

// connectMQTT returns nil when the command channel is disabled.
func (a *app) connectMQTT() (*mqtt.MqttService, error) {
	cfg := a.cfg.MQTT
	if !cfg.Enabled {
		return nil, nil
	}
	if a.deviceInfo.GetDeviceID() == "" {
		return nil, fmt.Errorf("mqtt needs a device ID or serial in %s", a.cfg.Device.IdentityFile)
	}

	tlsConfig, err := transport.NewTLSConfig(a.anchor, !a.cfg.Transport.Insecure)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID + "-" + uuid.New().String()
	a.logger.Info().Str("client_id", clientID).Msg("Using MQTT client ID")

	client := mqtt.NewMqttService(a.logger)
	if err := client.Initialize(mqtt.Options{
		Broker:    cfg.Broker,
		ClientID:  clientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		TLSConfig: tlsConfig,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT connection: %w", err)
	}
	return client, nil
}

func (a *app) updateService(client mqtt.MQTTClient) *services.UpdateService {
	svc := services.NewUpdateService(services.UpdateServiceConfig{
		Topic:         a.cfg.MQTT.Topic,
		StatusTopic:   a.cfg.MQTT.StatusTopic,
		QOS:           a.cfg.MQTT.QOS,
		CheckInterval: a.cfg.Update.CheckInterval,
		StatusRate:    a.cfg.MQTT.StatusRate,
	}, a.deviceInfo, client, a.discovery, a.installer, a.guard, a.store, a.rebooter,
		a.logger.With().Str("component", "update").Logger())
	a.installer.OnProgress(svc.ReportProgress)
	return svc
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadApp(configPath string) (*app, error) {
	cfg, err := utils.LoadConfig(configPath, file.NewFileService())
	if err != nil {
		return nil, err
	}
	if cfg.Device.Version == "" {
		cfg.Device.Version = version
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
