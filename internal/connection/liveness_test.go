package connection

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	name       string
	lastSeen   time.Time
	staleAfter time.Duration

	mu         sync.Mutex
	health     Health
	reconnects atomic.Int64
}

func (f *fakeTarget) Name() string              { return f.name }
func (f *fakeTarget) LastSeen() time.Time       { return f.lastSeen }
func (f *fakeTarget) StaleAfter() time.Duration { return f.staleAfter }

func (f *fakeTarget) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeTarget) Suspect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == HealthHealthy {
		f.health = HealthSuspect
	}
}

func (f *fakeTarget) Reconnect(string) bool {
	f.reconnects.Add(1)
	return true
}

func TestSupervisor_Check(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()

	fresh := &fakeTarget{name: "fresh", lastSeen: start, staleAfter: 90 * time.Second}
	stale := &fakeTarget{name: "stale", lastSeen: start.Add(-2 * time.Minute), staleAfter: 90 * time.Second}
	idle := &fakeTarget{name: "idle", lastSeen: start.Add(-time.Hour), staleAfter: 90 * time.Second, health: HealthIdle}
	busy := &fakeTarget{name: "busy", lastSeen: start.Add(-time.Hour), staleAfter: 90 * time.Second, health: HealthReconnecting}

	s := NewSupervisor(time.Hour, clock.Now, nil)
	for _, tgt := range []*fakeTarget{fresh, stale, idle, busy} {
		s.Watch(tgt)
	}
	s.Watch(fresh)
	if s.Watched() != 4 {
		t.Fatalf("Watched() = %d, want 4", s.Watched())
	}

	if got := s.Check(); got != 1 {
		t.Fatalf("Check() = %d, want 1", got)
	}
	waitFor(t, "stale reconnect", func() bool { return stale.reconnects.Load() == 1 })

	if stale.Health() != HealthSuspect {
		t.Errorf("stale Health() = %v, want suspect", stale.Health())
	}
	for _, tgt := range []*fakeTarget{fresh, idle, busy} {
		if tgt.reconnects.Load() != 0 {
			t.Errorf("%s reconnected %d times, want 0", tgt.name, tgt.reconnects.Load())
		}
	}

	// Exactly at the threshold is not stale.
	clock.Advance(90 * time.Second)
	s.Unwatch(stale)
	if got := s.Check(); got != 0 {
		t.Errorf("Check() at threshold = %d, want 0", got)
	}
	clock.Advance(time.Millisecond)
	if got := s.Check(); got != 1 {
		t.Errorf("Check() past threshold = %d, want 1", got)
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	clock := newManualClock()
	tgt := &fakeTarget{name: "t", lastSeen: clock.Now().Add(-time.Hour), staleAfter: time.Second}

	s := NewSupervisor(5*time.Millisecond, clock.Now, nil)
	s.Watch(tgt)
	s.Start()
	s.Start()

	waitFor(t, "periodic check", func() bool { return tgt.reconnects.Load() > 0 })
	s.Stop()
	s.Stop()

	// Let reconnects spawned by the last check land.
	time.Sleep(20 * time.Millisecond)
	after := tgt.reconnects.Load()
	time.Sleep(20 * time.Millisecond)
	if tgt.reconnects.Load() != after {
		t.Error("checks continued after Stop")
	}
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	s := NewSupervisor(time.Second, nil, nil)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a supervisor that never started")
	}
}
