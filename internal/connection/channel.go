package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/invest-streams/internal/model"
)

// ChannelHooks receive everything a channel reads. They run on the channel's
// read goroutine and must not call Disconnect on the same channel.
type ChannelHooks struct {
	OnMessage  func(model.Message)
	OnError    func(error)
	OnComplete func()
}

// Channel is one physical push-stream. It can be connected and disconnected
// repeatedly; each connect starts a new generation with its own read loop.
type Channel struct {
	id        string
	spec      StreamSpec
	transport Transport
	hooks     ChannelHooks
	now       Clock
	logger    *slog.Logger

	state    atomic.Int32 // State; written under mu
	lastSeen atomic.Int64 // UnixNano of last inbound message
	gen      atomic.Uint64

	mu            sync.Mutex
	stream        Stream
	stop          chan struct{} // closed to tell the read loop to exit quietly
	done          chan struct{} // closed when the read loop has exited
	attempt       uint64
	cancelConnect context.CancelFunc
	closed        bool
}

// NewChannel creates a disconnected channel.
func NewChannel(spec StreamSpec, transport Transport, hooks ChannelHooks, clock Clock, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	id := uuid.NewString()
	return &Channel{
		id:        id,
		spec:      spec,
		transport: transport,
		hooks:     hooks,
		now:       clock,
		logger:    logger.With("channel", id, "stream", spec.Name),
	}
}

// ID returns the channel's identity.
func (c *Channel) ID() string { return c.id }

// Spec returns the stream the channel opens.
func (c *Channel) Spec() StreamSpec { return c.spec }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Generation counts successful connects.
func (c *Channel) Generation() uint64 { return c.gen.Load() }

// LastSeen returns when the channel last received anything, or when it
// last connected if nothing has arrived since.
func (c *Channel) LastSeen() time.Time {
	ns := c.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Channel) touch() {
	c.lastSeen.Store(c.now().UnixNano())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

// Connect opens the stream and starts delivering to the hooks. It is a
// no-op on a connected or connecting channel. A Disconnect during Connect
// wins: the freshly opened stream is closed and ErrNotConnected returned.
func (c *Channel) Connect(ctx context.Context, initial model.SubscriptionRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	switch c.State() {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateClosing:
		c.mu.Unlock()
		return fmt.Errorf("%w: channel is closing", ErrNotConnected)
	}
	c.setState(StateConnecting)
	c.attempt++
	attempt := c.attempt
	openCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	prevDone := c.done
	c.mu.Unlock()
	defer cancel()

	// No delivery from the previous generation may overlap the next one.
	if prevDone != nil {
		<-prevDone
	}

	stream, err := c.transport.Open(openCtx, c.spec, initial)

	c.mu.Lock()
	if c.attempt != attempt || c.State() != StateConnecting {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return fmt.Errorf("%w: disconnected during connect", ErrNotConnected)
	}
	if err != nil {
		c.setState(StateDisconnected)
		c.cancelConnect = nil
		c.mu.Unlock()
		return fmt.Errorf("open %s: %w", c.spec.Name, err)
	}

	gen := c.gen.Add(1)
	if ar, ok := stream.(ActivityReporter); ok {
		ar.OnActivity(c.touch)
	}
	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.cancelConnect = nil
	c.touch()
	c.setState(StateConnected)
	go c.readLoop(gen, stream, c.stop, c.done)
	c.mu.Unlock()

	c.logger.Info("channel connected", "generation", gen)
	return nil
}

// Send transmits a further request on a bidirectional stream.
func (c *Channel) Send(req model.SubscriptionRequest) error {
	if !c.spec.Bidirectional {
		return ErrSendUnsupported
	}

	c.mu.Lock()
	stream := c.stream
	state := c.State()
	c.mu.Unlock()

	if state != StateConnected || stream == nil {
		return ErrNotConnected
	}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("send %s request: %w", req.Kind, err)
	}
	c.logger.Debug("request sent",
		"kind", req.Kind,
		"action", req.Action,
		"members", len(req.Members),
	)
	return nil
}

// Disconnect cancels the stream and waits until its read loop has
// delivered its last message. Idempotent and safe to call concurrently
// with Connect.
func (c *Channel) Disconnect() error {
	return c.disconnect(true)
}

// Close disconnects permanently. Unlike Disconnect it does not wait for an
// in-flight delivery to finish.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.disconnect(false)
	c.logger.Info("channel closed")
	return err
}

func (c *Channel) disconnect(wait bool) error {
	c.mu.Lock()
	switch c.State() {
	case StateConnecting:
		c.attempt++
		if c.cancelConnect != nil {
			c.cancelConnect()
			c.cancelConnect = nil
		}
		c.setState(StateDisconnected)
		c.mu.Unlock()
		return nil

	case StateConnected:
		stream, stop, done := c.stream, c.stop, c.done
		c.stream = nil
		c.setState(StateClosing)
		c.mu.Unlock()

		close(stop)
		err := stream.Close()
		if wait {
			<-done
		}

		c.mu.Lock()
		if c.State() == StateClosing {
			c.setState(StateDisconnected)
		}
		c.mu.Unlock()
		c.logger.Debug("channel disconnected")
		return err

	default:
		done := c.done
		c.mu.Unlock()
		if wait && done != nil {
			<-done
		}
		return nil
	}
}

// readLoop delivers inbound messages in the order received.
func (c *Channel) readLoop(gen uint64, stream Stream, stop, done chan struct{}) {
	defer close(done)

	for {
		msg, err := stream.Recv()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			c.mu.Lock()
			if c.stream == stream {
				c.stream = nil
				c.setState(StateDisconnected)
			}
			c.mu.Unlock()
			stream.Close()

			if errors.Is(err, io.EOF) {
				c.logger.Info("stream completed by server", "generation", gen)
				if c.hooks.OnComplete != nil {
					c.hooks.OnComplete()
				}
				return
			}
			c.logger.Warn("stream failed", "generation", gen, "error", err)
			if c.hooks.OnError != nil {
				c.hooks.OnError(err)
			}
			return
		}

		// Any traffic proves the pipe is alive, heartbeats or not.
		c.touch()
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = c.now()
		}

		select {
		case <-stop:
			return
		default:
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg)
		}
	}
}
