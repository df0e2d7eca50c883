package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WatchdogFeeder is the part of the watchdog coordinator the feed loop uses.
type WatchdogFeeder interface {
	Feed() error
	Suspended() bool
}

// WatchdogService feeds the main watchdog task at a fixed interval. While an
// update holds the watchdog the loop stays quiet so only the transfer itself
// keeps the update watchdog alive.
type WatchdogService struct {
	Interval time.Duration
	Watchdog WatchdogFeeder
	Logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdogService initializes a new WatchdogService.
func NewWatchdogService(interval time.Duration, watchdog WatchdogFeeder, logger zerolog.Logger) *WatchdogService {
	return &WatchdogService{
		Interval: interval,
		Watchdog: watchdog,
		Logger:   logger,
	}
}

// Start launches the feed loop in a separate goroutine.
func (w *WatchdogService) Start() error {
	if w.ctx != nil {
		w.Logger.Warn().Msg("WatchdogService is already running")
		return errors.New("watchdog service is already running")
	}
	if w.Interval <= 0 {
		return errors.New("watchdog feed interval must be positive")
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runFeedLoop()
	}()

	w.Logger.Info().Dur("interval", w.Interval).Msg("WatchdogService started successfully")
	return nil
}

// Stop gracefully stops the feed loop.
func (w *WatchdogService) Stop() error {
	if w.ctx == nil {
		w.Logger.Warn().Msg("WatchdogService is not running")
		return errors.New("watchdog service is not running")
	}

	w.cancel()
	w.wg.Wait()

	w.ctx = nil
	w.cancel = nil

	w.Logger.Info().Msg("WatchdogService stopped successfully")
	return nil
}

func (w *WatchdogService) runFeedLoop() {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.Watchdog.Suspended() {
				continue
			}
			if err := w.Watchdog.Feed(); err != nil {
				w.Logger.Error().Err(err).Msg("Failed to feed watchdog")
			}

		case <-w.ctx.Done():
			w.Logger.Info().Msg("WatchdogService stopping gracefully")
			return
		}
	}
}
