package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/display-ota/internal/models"
)

// MockChecker is a mock implementation of update discovery.
type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) Check(ctx context.Context) (models.CheckResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.CheckResult), args.Error(1)
}

func (m *MockChecker) CurrentVersion() string {
	args := m.Called()
	return args.String(0)
}

// MockInstaller is a mock implementation of the partition installer.
type MockInstaller struct {
	mock.Mock
}

func (m *MockInstaller) Install(ctx context.Context, manifest models.UpdateManifest) (models.InstallResult, error) {
	args := m.Called(ctx, manifest)
	return args.Get(0).(models.InstallResult), args.Error(1)
}

// MockBootValidator is a mock implementation of the boot guard.
type MockBootValidator struct {
	mock.Mock
}

func (m *MockBootValidator) ValidateBootOnce(ctx context.Context) (models.BootReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.BootReport), args.Error(1)
}

// MockRebooter records reboot requests.
type MockRebooter struct {
	mock.Mock
}

func (m *MockRebooter) Reboot(reason string) error {
	args := m.Called(reason)
	return args.Error(0)
}

// MockFeeder is a mock implementation of the watchdog feed surface.
type MockFeeder struct {
	mock.Mock
}

func (m *MockFeeder) Feed() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockFeeder) Suspended() bool {
	args := m.Called()
	return args.Bool(0)
}
