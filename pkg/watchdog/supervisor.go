package watchdog

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor is an in-process task watchdog. Each subscribed task must be fed
// within the configured timeout or OnExpire fires for it.
type Supervisor struct {
	OnExpire func(task string)

	logger  zerolog.Logger
	mu      sync.Mutex
	timeout time.Duration
	tasks   map[string]time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewSupervisor creates a supervisor with the given default timeout.
func NewSupervisor(timeout time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger,
		timeout: timeout,
		tasks:   make(map[string]time.Time),
	}
}

func (s *Supervisor) Name() string {
	return "supervisor"
}

// Start launches the expiry monitor.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.monitor(s.stop, s.done)
}

// Stop terminates the expiry monitor.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Supervisor) Subscribe(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task] = time.Now()
	return nil
}

func (s *Supervisor) Unsubscribe(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task]; !ok {
		return ErrNotSubscribed
	}
	delete(s.tasks, task)
	return nil
}

func (s *Supervisor) Reconfigure(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	now := time.Now()
	for task := range s.tasks {
		s.tasks[task] = now
	}
	return nil
}

func (s *Supervisor) Feed(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task]; !ok {
		return ErrNotSubscribed
	}
	s.tasks[task] = time.Now()
	return nil
}

// Subscribed returns the currently supervised tasks.
func (s *Supervisor) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]string, 0, len(s.tasks))
	for task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// Timeout returns the current timeout.
func (s *Supervisor) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Supervisor) monitor(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, task := range s.expired(now) {
				s.logger.Error().Str("task", task).Msg("Task watchdog expired")
				if s.OnExpire != nil {
					s.OnExpire(task)
				}
			}
		}
	}
}

func (s *Supervisor) expired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for task, last := range s.tasks {
		if now.Sub(last) > s.timeout {
			expired = append(expired, task)
			s.tasks[task] = now
		}
	}
	return expired
}

func (s *Supervisor) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := s.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
