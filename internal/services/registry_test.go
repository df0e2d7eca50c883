package services_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/display-ota/internal/mocks"
	"github.com/benmeehan/display-ota/internal/services"
)

type recordingService struct {
	name     string
	log      *[]string
	startErr error
}

func (r *recordingService) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.log = append(*r.log, "start "+r.name)
	return nil
}

func (r *recordingService) Stop() error {
	*r.log = append(*r.log, "stop "+r.name)
	return nil
}

// TestServiceRegistry_StartStopOrder tests start order and reverse stop order.
func TestServiceRegistry_StartStopOrder(t *testing.T) {
	// Setup
	var log []string
	sr := services.NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("watchdog", &recordingService{name: "watchdog", log: &log})
	sr.RegisterService("update", &recordingService{name: "update", log: &log})
	sr.RegisterService("update", &recordingService{name: "duplicate", log: &log})

	// Execute
	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	// Assert
	assert.Equal(t, []string{"watchdog", "update"}, sr.Names())
	assert.Equal(t, []string{"start watchdog", "start update", "stop update", "stop watchdog"}, log)
}

// TestServiceRegistry_StartsLateRegistrations tests starting services registered after the first start.
func TestServiceRegistry_StartsLateRegistrations(t *testing.T) {
	// Setup
	var log []string
	sr := services.NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("watchdog", &recordingService{name: "watchdog", log: &log})
	require.NoError(t, sr.StartServices())

	// Execute
	sr.RegisterService("update", &recordingService{name: "update", log: &log})
	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	// Assert
	assert.Equal(t, []string{"start watchdog", "start update", "stop update", "stop watchdog"}, log)
}

// TestServiceRegistry_StartFailureStopsStarted tests that a start failure stops the services already started.
func TestServiceRegistry_StartFailureStopsStarted(t *testing.T) {
	// Setup
	var log []string
	sr := services.NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("watchdog", &recordingService{name: "watchdog", log: &log})
	sr.RegisterService("update", &recordingService{name: "update", log: &log, startErr: errors.New("broker down")})

	// Execute
	err := sr.StartServices()

	// Assert
	assert.ErrorContains(t, err, "start update: broker down")
	assert.Equal(t, []string{"start watchdog", "stop watchdog"}, log)
}

// TestWatchdogService_FeedsUntilStopped tests the feeder loop lifecycle.
func TestWatchdogService_FeedsUntilStopped(t *testing.T) {
	// Setup
	var feeds atomic.Int32
	feeder := new(mocks.MockFeeder)
	feeder.On("Suspended").Return(false)
	feeder.On("Feed").Run(func(mock.Arguments) { feeds.Add(1) }).Return(nil)
	w := services.NewWatchdogService(5*time.Millisecond, feeder, zerolog.Nop())

	// Execute
	require.NoError(t, w.Start())
	assert.EqualError(t, w.Start(), "watchdog service is already running")

	// Assert
	assert.Eventually(t, func() bool { return feeds.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
	assert.EqualError(t, w.Stop(), "watchdog service is not running")
}

// TestWatchdogService_QuietWhileSuspended tests that the feeder skips feeds while suspended.
func TestWatchdogService_QuietWhileSuspended(t *testing.T) {
	// Setup
	feeder := new(mocks.MockFeeder)
	feeder.On("Suspended").Return(true)
	w := services.NewWatchdogService(5*time.Millisecond, feeder, zerolog.Nop())

	// Execute
	require.NoError(t, w.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Stop())

	// Assert
	feeder.AssertNotCalled(t, "Feed")
}

// TestWatchdogService_RejectsZeroInterval tests the start failure for a zero interval.
func TestWatchdogService_RejectsZeroInterval(t *testing.T) {
	w := services.NewWatchdogService(0, new(mocks.MockFeeder), zerolog.Nop())
	assert.Error(t, w.Start())
}
