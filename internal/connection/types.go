package connection

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rickgao/invest-streams/internal/model"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no traffic)")
	ErrCapacityExceeded = errors.New("stream pool at capacity")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrSendUnsupported  = errors.New("stream does not accept requests after open")
	ErrUnsupportedKind  = errors.New("kind not served by stream")
	ErrWaitAborted      = errors.New("ack wait aborted")
	ErrInvalidConfig    = errors.New("invalid config")
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// State is the lifecycle state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Health is the liveness verdict for a supervised subscription.
type Health int32

const (
	HealthHealthy Health = iota
	HealthSuspect
	HealthReconnecting
	HealthIdle // server-push stream with nothing to subscribe
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthSuspect:
		return "suspect"
	case HealthReconnecting:
		return "reconnecting"
	case HealthIdle:
		return "idle"
	}
	return fmt.Sprintf("health(%d)", int32(h))
}

// StreamSpec names a remote stream and the kinds of data it serves.
type StreamSpec struct {
	Name          string       // Remote method, e.g. "MarketDataStream"
	Service       string       // Remote service, used by RPC transports
	Bidirectional bool         // Client may send requests after open
	Kinds         []model.Kind // Subscribable kinds carried by the stream
}

// Serves reports whether requests of kind k belong on this stream.
func (s StreamSpec) Serves(k model.Kind) bool {
	return slices.Contains(s.Kinds, k)
}

// Stream presets.
var (
	MarketDataStream = StreamSpec{
		Name:          "MarketDataStream",
		Service:       "invest.MarketDataStreamService",
		Bidirectional: true,
		Kinds: []model.Kind{
			model.KindCandle,
			model.KindLastPrice,
			model.KindOrderBook,
			model.KindTrade,
			model.KindTradingStatus,
		},
	}
	OrderStateStream = StreamSpec{
		Name:    "OrderStateStream",
		Service: "invest.OrdersStreamService",
		Kinds:   []model.Kind{model.KindOrderState},
	}
	OrderTradesStream = StreamSpec{
		Name:    "TradesStream",
		Service: "invest.OrdersStreamService",
		Kinds:   []model.Kind{model.KindOrderTrades},
	}
	PortfolioStream = StreamSpec{
		Name:    "PortfolioStream",
		Service: "invest.OperationsStreamService",
		Kinds:   []model.Kind{model.KindPortfolio},
	}
	PositionsStream = StreamSpec{
		Name:    "PositionsStream",
		Service: "invest.OperationsStreamService",
		Kinds:   []model.Kind{model.KindPosition},
	}
)

// SubscriptionConfig configures a ResilientSubscription.
type SubscriptionConfig struct {
	PingDelay       time.Duration // Ping cadence requested from the server
	StaleMultiplier int           // Silence beyond PingDelay*StaleMultiplier is stale
	ConnectTimeout  time.Duration // Bound on opening a stream during reconnect
	Processor       AckProcessor  // nil = SuccessfulMembers
	Supervisor      *Supervisor   // Shared supervisor; nil = one per subscription
	Clock           Clock         // nil = time.Now
}

// DefaultSubscriptionConfig returns sensible defaults.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		PingDelay:       30 * time.Second,
		StaleMultiplier: 3,
		ConnectTimeout:  30 * time.Second,
	}
}

func (c SubscriptionConfig) withDefaults() SubscriptionConfig {
	def := DefaultSubscriptionConfig()
	if c.PingDelay <= 0 {
		c.PingDelay = def.PingDelay
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = def.StaleMultiplier
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.Processor == nil {
		c.Processor = SuccessfulMembers
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// StaleAfter is the liveness threshold.
func (c SubscriptionConfig) StaleAfter() time.Duration {
	return c.PingDelay * time.Duration(c.StaleMultiplier)
}

// CheckInterval is the supervisor cadence matching PingDelay.
func (c SubscriptionConfig) CheckInterval() time.Duration {
	return c.PingDelay / 2
}

// PoolConfig configures a Pool. Capacity limits have no defaults.
type PoolConfig struct {
	MaxChannels                int
	MaxSubscriptionsPerChannel int
	AckMailboxSize             int // 0 = DefaultAckMailboxSize
	Subscription               SubscriptionConfig
}

// Validate rejects non-positive capacity limits.
func (c PoolConfig) Validate() error {
	if c.MaxChannels < 1 {
		return fmt.Errorf("%w: max channels must be >= 1, got %d", ErrInvalidConfig, c.MaxChannels)
	}
	if c.MaxSubscriptionsPerChannel < 1 {
		return fmt.Errorf("%w: max subscriptions per channel must be >= 1, got %d",
			ErrInvalidConfig, c.MaxSubscriptionsPerChannel)
	}
	if c.AckMailboxSize < 0 {
		return fmt.Errorf("%w: ack mailbox size must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// KindStats summarises the tracked member sets of one kind.
type KindStats struct {
	Desired      int
	Acknowledged int
	Pending      int
	Queued       int
	Unresolved   bool
}

// SubscriptionStats is a point-in-time view of a ResilientSubscription.
type SubscriptionStats struct {
	ChannelID  string
	Stream     string
	State      State
	Health     Health
	LastSeen   time.Time
	Reconnects int64
	Kinds      map[model.Kind]KindStats
}

// PoolEntryStats describes one pool entry.
type PoolEntryStats struct {
	ChannelID         string
	SubscriptionCount int
	State             State
	Health            Health
}

// PoolStats provides statistics about a Pool.
type PoolStats struct {
	Channels       int
	ConnectedCount int
	Entries        []PoolEntryStats
	PendingAcks    int
	ListenerPanics int64
}
