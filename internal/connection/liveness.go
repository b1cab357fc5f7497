package connection

import (
	"log/slog"
	"sync"
	"time"
)

// Target is something the Supervisor can watch. ResilientSubscription is
// the production implementation.
type Target interface {
	Name() string
	LastSeen() time.Time
	StaleAfter() time.Duration
	Health() Health
	// Suspect marks the target stale ahead of a reconnect.
	Suspect()
	// Reconnect tears down and reopens the target's stream. It returns
	// false if a reconnect was already in progress.
	Reconnect(reason string) bool
}

// Supervisor runs one periodic liveness check over every watched target.
// A target silent for longer than its StaleAfter is marked suspect and
// reconnected on its own goroutine; the check itself never blocks on I/O.
type Supervisor struct {
	interval time.Duration
	now      Clock
	logger   *slog.Logger

	mu      sync.Mutex
	targets map[Target]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSupervisor creates a stopped supervisor checking every interval.
func NewSupervisor(interval time.Duration, clock Clock, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		interval = DefaultSubscriptionConfig().CheckInterval()
	}
	return &Supervisor{
		interval: interval,
		now:      clock,
		logger:   logger.With("component", "supervisor"),
		targets:  make(map[Target]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic checks. Calling Start more than once has no effect.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop ends periodic checks and waits for the loop to exit. Reconnects
// already under way are not interrupted.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		<-s.done
	}
}

// Watch adds a target. Watching twice is harmless.
func (s *Supervisor) Watch(t Target) {
	s.mu.Lock()
	s.targets[t] = struct{}{}
	s.mu.Unlock()
}

// Unwatch removes a target.
func (s *Supervisor) Unwatch(t Target) {
	s.mu.Lock()
	delete(s.targets, t)
	s.mu.Unlock()
}

// Watched returns the number of watched targets.
func (s *Supervisor) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func (s *Supervisor) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check runs one pass and returns how many targets were found stale.
func (s *Supervisor) Check() int {
	s.mu.Lock()
	targets := make([]Target, 0, len(s.targets))
	for t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	now := s.now()
	stale := 0
	for _, t := range targets {
		switch t.Health() {
		case HealthIdle, HealthReconnecting:
			continue
		}

		silence := now.Sub(t.LastSeen())
		if silence <= t.StaleAfter() {
			continue
		}

		stale++
		s.logger.Warn("stream stale",
			"target", t.Name(),
			"silence", silence,
			"threshold", t.StaleAfter(),
			"error", ErrStaleConnection,
		)
		t.Suspect()
		go t.Reconnect("stale")
	}
	return stale
}
