// Package relay republishes stream events to NATS.
//
// A Relay is registered as a pool or subscription listener. Its listener
// only enqueues; publishing happens on the goroutine running Run, so a slow
// or unreachable NATS server never stalls stream delivery.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/invest-streams/internal/buffer"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
)

// Publisher sends one message to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds relay settings.
type Config struct {
	SubjectPrefix string // Subjects are <prefix>.<kind>.<member>
	BufferSize    int    // Initial queue capacity
	MaxBuffer     int    // Queue limit before the oldest events are dropped; 0 = 64x BufferSize
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "invest",
		BufferSize:    1024,
	}
}

// Stats reports relay counters.
type Stats struct {
	Published int64
	Failed    int64
	Skipped   int64 // Events without a member, e.g. pings
	Buffered  int
	Dropped   int64
}

// Relay queues stream events and publishes them as JSON.
type Relay struct {
	pub    Publisher
	prefix string
	buf    *buffer.GrowableBuffer[model.Message]
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New creates a relay publishing through pub.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = cfg.BufferSize * 64
	}
	return &Relay{
		pub:    pub,
		prefix: cfg.SubjectPrefix,
		buf:    buffer.New[model.Message](cfg.BufferSize, cfg.MaxBuffer),
		logger: logger.With("component", "relay"),
	}
}

// Listener returns the table to register on a pool or subscription.
func (r *Relay) Listener() connection.Listeners {
	return connection.Listeners{OnMessage: r.Offer}
}

// Offer enqueues msg if it can be addressed to a subject.
func (r *Relay) Offer(msg model.Message) {
	if _, ok := Subject(r.prefix, msg); !ok {
		r.skipped.Add(1)
		return
	}
	r.buf.Push(msg)
}

// Run publishes queued events until ctx is done or Close is called and
// the queue is drained.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.buf.Pop(ctx)
		switch {
		case errors.Is(err, buffer.ErrClosed):
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		r.publish(msg)
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (r *Relay) Close() {
	r.buf.Close()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	bs := r.buf.Stats()
	return Stats{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Skipped:   r.skipped.Load(),
		Buffered:  bs.Count,
		Dropped:   bs.Dropped,
	}
}

func (r *Relay) publish(msg model.Message) {
	subject, _ := Subject(r.prefix, msg)

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("failed to encode event", "subject", subject, "error", err)
		return
	}
	if err := r.pub.Publish(subject, data); err != nil {
		r.failed.Add(1)
		r.logger.Warn("failed to publish event", "subject", subject, "error", err)
		return
	}
	r.published.Add(1)
}

// Subject builds <prefix>.<kind>.<member> for msg. It returns false for
// payloads that carry no instrument or account id.
func Subject(prefix string, msg model.Message) (string, bool) {
	member, ok := msg.Member()
	if !ok || member == "" {
		return "", false
	}
	return prefix + "." + msg.Kind().String() + "." + subjectToken(member), true
}

// subjectToken replaces characters NATS reserves in subject tokens.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Connect dials NATS with reconnects enabled and lifecycle logging.
func Connect(url, name string, timeout time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return nc, nil
}
