package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/services"
	"github.com/benmeehan/display-ota/internal/utils"
	"github.com/benmeehan/display-ota/pkg/bundle"
	"github.com/benmeehan/display-ota/pkg/file"
	"github.com/benmeehan/display-ota/pkg/mqtt"
	"github.com/benmeehan/display-ota/pkg/s3"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Validate the boot, then serve scheduled and remote updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		mqttService, err := a.connectMQTT()
		if err != nil {
			return err
		}
		var client mqtt.MQTTClient
		if mqttService != nil {
			client = mqttService
			defer mqttService.Disconnect(250)
		}
		svc := a.updateService(client)

		registry := services.NewServiceRegistry(a.logger)
		registry.RegisterService("watchdog", services.NewWatchdogService(a.cfg.Watchdog.FeedInterval, a.watchdog,
			a.logger.With().Str("component", "watchdog-feeder").Logger()))
		if err := registry.StartServices(); err != nil {
			return err
		}
		defer func() {
			if err := registry.StopServices(); err != nil {
				a.logger.Error().Err(err).Msg("Failed to stop services")
			}
		}()

		report, err := svc.ValidateBootOnce(ctx)
		if err != nil {
			return fmt.Errorf("boot validation: %w", err)
		}
		a.logger.Info().
			Str("state", string(report.State)).
			Str("partition", report.Partition).
			Int("boot_count", report.BootCount).
			Msg("Boot validated")

		registry.RegisterService("update", svc)
		if err := registry.StartServices(); err != nil {
			return err
		}
		a.logger.Info().Msg("All services started successfully")

		<-ctx.Done()
		a.logger.Info().Msg("Shutting down gracefully...")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for a newer firmware and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.discovery.Check(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var installFlags struct {
	manifest string
	url      string
	version  string
	checksum string
	kind     string
	size     int64
	reboot   bool
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install an update from a manifest, a URL or the configured update server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		var manifest models.UpdateManifest
		switch {
		case installFlags.manifest != "":
			if err := a.fileClient.ReadJsonFile(installFlags.manifest, &manifest); err != nil {
				return fmt.Errorf("failed to read manifest: %w", err)
			}
		case installFlags.url != "":
			manifest = models.UpdateManifest{
				Version:      installFlags.version,
				ArtifactKind: constants.ArtifactKind(installFlags.kind),
				ArtifactURL:  installFlags.url,
				Checksum:     installFlags.checksum,
			}
			if installFlags.size > 0 {
				manifest.SizeBytes = &installFlags.size
			}
		default:
			result, err := a.discovery.Check(ctx)
			if err != nil {
				return err
			}
			if !result.Available() {
				return printJSON(cmd.OutOrStdout(), result)
			}
			manifest = *result.Manifest
		}
		if manifest.ArtifactKind == "" {
			manifest.ArtifactKind = constants.ArtifactBinary
		}

		result, err := a.installer.Install(ctx, manifest)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if installFlags.reboot && result.RebootNeeded {
			return a.rebooter.Reboot("installed " + result.Version)
		}
		return nil
	},
}

var validateReboot bool

var validateBootCmd = &cobra.Command{
	Use:   "validate-boot",
	Short: "Confirm or roll back the running image",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.guard.ValidateBootOnce(cmd.Context())
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		if validateReboot && report.Reboot {
			if rerr := a.rebooter.Reboot(report.Reason); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		if errors.Is(err, errs.ErrBootValidationFailed) {
			return fmt.Errorf("rolled back to slot %s: %w", report.Fallback, err)
		}
		return err
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Work with filesystem bundles",
}

var packFlags struct {
	output string
	upload string
}

// packResult is printed after a bundle is written.
type packResult struct {
	Path         string `json:"path"`
	Entries      uint64 `json:"entries"`
	PayloadBytes uint64 `json:"payload_bytes"`
	SizeBytes    int64  `json:"size_bytes"`
	Checksum     string `json:"checksum"`
	URL          string `json:"url,omitempty"`
}

var bundlePackCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "Pack a directory into a bundle, optionally uploading it to object storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
		fileClient := file.NewFileService()

		out, err := os.Create(packFlags.output)
		if err != nil {
			return err
		}
		header, err := bundle.PackDir(out, args[0], logger)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to pack %s: %w", args[0], err)
		}

		hash, err := fileClient.GetFileHash(packFlags.output)
		if err != nil {
			return err
		}
		info, err := os.Stat(packFlags.output)
		if err != nil {
			return err
		}
		result := packResult{
			Path:         packFlags.output,
			Entries:      header.EntryCount,
			PayloadBytes: header.TotalPayloadSize,
			SizeBytes:    info.Size(),
			Checksum:     "sha256:" + hash,
		}

		if packFlags.upload != "" {
			url, err := uploadBundle(cmd, fileClient, packFlags.output, info.Size(), packFlags.upload)
			if err != nil {
				return err
			}
			result.URL = url
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

func uploadBundle(cmd *cobra.Command, fileClient file.FileOperations, path string, size int64, target string) (string, error) {
	cfg, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		return "", err
	}
	if cfg.S3.Endpoint == "" {
		return "", errors.New("s3.endpoint is not configured")
	}
	bucket, object, err := s3.ParseURL(target)
	if err != nil {
		return "", err
	}

	storage := s3.NewObjectStorage()
	if err := storage.Connect(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.UseSSL); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	res, err := storage.Upload(cmd.Context(), bucket, object, f, size, "application/octet-stream")
	if err != nil {
		return "", err
	}
	return res.PresignedURL, nil
}

func init() {
	installCmd.Flags().StringVar(&installFlags.manifest, "manifest", "", "install from a manifest JSON file")
	installCmd.Flags().StringVar(&installFlags.url, "url", "", "artifact URL (http(s):// or s3://)")
	installCmd.Flags().StringVar(&installFlags.version, "version", "", "version of the artifact given with --url")
	installCmd.Flags().StringVar(&installFlags.checksum, "checksum", "", "artifact checksum, <algo>:<hex>")
	installCmd.Flags().StringVar(&installFlags.kind, "kind", string(constants.ArtifactBinary), "artifact kind, binary or bundle")
	installCmd.Flags().Int64Var(&installFlags.size, "size", 0, "declared artifact size in bytes")
	installCmd.Flags().BoolVar(&installFlags.reboot, "reboot", false, "reboot after a successful install")
	installCmd.MarkFlagsMutuallyExclusive("manifest", "url")

	validateBootCmd.Flags().BoolVar(&validateReboot, "reboot", false, "reboot when the outcome needs it")

	bundlePackCmd.Flags().StringVarP(&packFlags.output, "output", "o", "bundle.lmwb", "bundle file to write")
	bundlePackCmd.Flags().StringVar(&packFlags.upload, "upload", "", "upload to s3://bucket/key after packing")
	bundleCmd.AddCommand(bundlePackCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
