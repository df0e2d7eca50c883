package services

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Service is a long-running component managed by the registry.
type Service interface {
	Start() error
	Stop() error
}

type namedService struct {
	name string
	svc  Service
}

// ServiceRegistry manages a collection of services and their startup order.
type ServiceRegistry struct {
	services []namedService
	started  int
	logger   zerolog.Logger
}

// NewServiceRegistry initializes and returns a new ServiceRegistry instance.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{logger: logger}
}

// RegisterService adds a service to the registry and maintains the order of registration.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	for _, s := range sr.services {
		if s.name == name {
			sr.logger.Warn().Str("service", name).Msg("Service is already registered")
			return
		}
	}
	sr.services = append(sr.services, namedService{name: name, svc: svc})
	sr.logger.Info().Str("service", name).Msg("Registered service")
}

// Names returns the registered service names in start order.
func (sr *ServiceRegistry) Names() []string {
	names := make([]string, 0, len(sr.services))
	for _, s := range sr.services {
		names = append(names, s.name)
	}
	return names
}

// StartServices starts the registered services not yet started, in the order
// they were added. When one fails, every started service is stopped again.
func (sr *ServiceRegistry) StartServices() error {
	for i := sr.started; i < len(sr.services); i++ {
		s := sr.services[i]
		sr.logger.Info().Str("service", s.name).Msg("Starting service")
		if err := s.svc.Start(); err != nil {
			sr.logger.Error().Err(err).Str("service", s.name).Msg("Failed to start service")
			sr.started = i
			if stopErr := sr.StopServices(); stopErr != nil {
				return errors.Join(fmt.Errorf("start %s: %w", s.name, err), stopErr)
			}
			return fmt.Errorf("start %s: %w", s.name, err)
		}
	}
	sr.started = len(sr.services)
	return nil
}

// StopServices stops the started services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var errList []error
	for i := sr.started - 1; i >= 0; i-- {
		s := sr.services[i]
		sr.logger.Info().Str("service", s.name).Msg("Stopping service")
		if err := s.svc.Stop(); err != nil {
			sr.logger.Error().Err(err).Str("service", s.name).Msg("Failed to stop service")
			errList = append(errList, fmt.Errorf("stop %s: %w", s.name, err))
		}
	}
	sr.started = 0
	return errors.Join(errList...)
}
