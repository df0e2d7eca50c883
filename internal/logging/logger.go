package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benmeehan/display-ota/internal/utils"
)

// Setup builds the root logger from configuration. Components receive
// children of this logger through their constructors.
func Setup(cfg *utils.Config) (zerolog.Logger, error) {
	return setup(cfg, os.Stdout)
}

func setup(cfg *utils.Config, stdout io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var writer io.Writer
	switch strings.ToLower(cfg.Logging.Output) {
	case "", "stdout":
		writer = consoleWriter(cfg, stdout)
	case "file":
		writer, err = fileWriter(cfg)
		if err != nil {
			return zerolog.Nop(), err
		}
	case "multi":
		fw, err := fileWriter(cfg)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = zerolog.MultiLevelWriter(consoleWriter(cfg, stdout), fw)
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log output %q", cfg.Logging.Output)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Str("service", "display-ota").Logger()
	logger.Debug().
		Str("level", level.String()).
		Str("format", cfg.Logging.Format).
		Str("output", cfg.Logging.Output).
		Msg("Logger initialized")
	return logger, nil
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}

func consoleWriter(cfg *utils.Config, out io.Writer) io.Writer {
	if strings.ToLower(cfg.Logging.Format) == "json" {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
}

func fileWriter(cfg *utils.Config) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		LocalTime:  true,
	}, nil
}
