package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/invest-streams/internal/model"
)

// fakeTransport scripts streams in memory.
type fakeTransport struct {
	mu       sync.Mutex
	streams  []*fakeStream
	initials []model.SubscriptionRequest
	openErr  error
	gate     chan struct{} // if set, Open blocks until closed or ctx is done
}

func (f *fakeTransport) Open(ctx context.Context, spec StreamSpec, initial model.SubscriptionRequest) (Stream, error) {
	f.mu.Lock()
	gate := f.gate
	f.initials = append(f.initials, initial)
	err := f.openErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := newFakeStream(spec.Bidirectional)
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTransport) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeTransport) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// opens counts Open calls, including failed ones.
func (f *fakeTransport) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.initials)
}

func (f *fakeTransport) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeTransport) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTransport) initial(i int) model.SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initials[i]
}

type fakeStream struct {
	bidi    bool
	inbound chan model.Message
	fail    chan error
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	sent     []model.SubscriptionRequest
	activity func()
}

func (s *fakeStream) OnActivity(fn func()) {
	s.mu.Lock()
	s.activity = fn
	s.mu.Unlock()
}

// ping simulates traffic the stream consumes without returning it.
func (s *fakeStream) ping() {
	s.mu.Lock()
	fn := s.activity
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func newFakeStream(bidi bool) *fakeStream {
	return &fakeStream{
		bidi:    bidi,
		inbound: make(chan model.Message, 1024),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Send(req model.SubscriptionRequest) error {
	if !s.bidi {
		return ErrSendUnsupported
	}
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Recv() (model.Message, error) {
	// Queued messages are drained before a scripted failure.
	select {
	case msg := <-s.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.inbound:
		return msg, nil
	case err := <-s.fail:
		return model.Message{}, err
	case <-s.closed:
		return model.Message{}, io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) push(p model.Payload) {
	s.inbound <- model.Message{Payload: p}
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) requests() []model.SubscriptionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SubscriptionRequest(nil), s.sent...)
}

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ack(kind model.Kind, statuses map[model.Member]model.Status, order ...model.Member) model.SubscriptionAck {
	a := model.SubscriptionAck{Kind: kind}
	for _, m := range order {
		a.Statuses = append(a.Statuses, model.MemberStatus{Member: m, Status: statuses[m]})
	}
	return a
}
