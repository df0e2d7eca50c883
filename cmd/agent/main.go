package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/display-ota/internal/logging"
	"github.com/benmeehan/display-ota/internal/utils"
)

// version is the build version, set with -ldflags "-X main.version=...".
var version = "0.0.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "display-ota",
	Short:         "Self-update agent for network-connected displays",
	Long:          `display-ota checks for firmware updates, installs them into the inactive A/B slot and validates the image after reboot.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/display-ota/config.yaml", "path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(validateBootCmd)
	rootCmd.AddCommand(bundleCmd)
}

func setupLogger(cfg *utils.Config) (zerolog.Logger, error) {
	return logging.Setup(cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitOnError(rootCmd.ExecuteContext(ctx))
}
