package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/invest-streams/internal/model"
)

// Pool packs logical market-data subscriptions onto a bounded set of
// channels. Listeners registered on the pool apply to every channel,
// including channels created later.
type Pool struct {
	cfg       PoolConfig
	spec      StreamSpec
	transport Transport
	logger    *slog.Logger

	registry   *Registry
	waiter     *AckWaiter
	supervisor *Supervisor

	mu      sync.Mutex
	entries []*poolEntry
	closed  bool
}

// poolEntry pairs a channel's subscription with the number of subscribe
// calls placed on it. The count only grows.
type poolEntry struct {
	sub   *ResilientSubscription
	count int
}

// NewPool creates a pool over the market-data stream. It fails if either
// capacity limit is not positive.
func NewPool(transport Transport, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	return NewPoolFor(MarketDataStream, transport, cfg, logger)
}

// NewPoolFor creates a pool over a bidirectional stream.
func NewPoolFor(spec StreamSpec, transport Transport, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !spec.Bidirectional {
		return nil, fmt.Errorf("%w: pooled stream %s must be bidirectional", ErrInvalidConfig, spec.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg.Subscription = cfg.Subscription.withDefaults()
	if cfg.Subscription.Supervisor == nil {
		cfg.Subscription.Supervisor = NewSupervisor(cfg.Subscription.CheckInterval(), cfg.Subscription.Clock, logger)
	}

	p := &Pool{
		cfg:        cfg,
		spec:       spec,
		transport:  transport,
		logger:     logger.With("pool", spec.Name),
		registry:   NewRegistry(logger),
		waiter:     NewAckWaiter(cfg.AckMailboxSize, logger),
		supervisor: cfg.Subscription.Supervisor,
	}
	p.registry.Add(p.waiter.Listener())
	p.supervisor.Start()
	return p, nil
}

// Subscribe places req on the first channel with spare capacity, opening a
// new channel if every existing one is full and the pool may grow. It
// fails with ErrCapacityExceeded when neither is possible.
//
// A new channel that fails to connect stays in the pool and is retried by
// the supervisor; the failure is reported to error listeners.
func (p *Pool) Subscribe(ctx context.Context, req model.SubscriptionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !p.spec.Serves(req.Kind) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedKind, req.Kind, p.spec.Name)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}

	for _, e := range p.entries {
		if e.count < p.cfg.MaxSubscriptionsPerChannel {
			e.count++
			sub := e.sub
			p.mu.Unlock()
			return sub.Subscribe(req)
		}
	}

	if len(p.entries) >= p.cfg.MaxChannels {
		n := len(p.entries)
		p.mu.Unlock()
		return fmt.Errorf("%w: %d channels with %d subscriptions each",
			ErrCapacityExceeded, n, p.cfg.MaxSubscriptionsPerChannel)
	}

	sub := NewResilientSubscription(p.spec, p.transport, p.registry, p.cfg.Subscription, p.logger)
	if err := sub.Subscribe(req); err != nil {
		p.mu.Unlock()
		return err
	}
	p.entries = append(p.entries, &poolEntry{sub: sub, count: 1})
	p.logger.Info("channel added", "channel", sub.Channel().ID(), "channels", len(p.entries))
	p.mu.Unlock()

	if err := sub.Connect(ctx); err != nil {
		p.logger.Warn("channel connect failed, will retry", "channel", sub.Channel().ID(), "error", err)
	}
	return nil
}

// SubscribeAndWait subscribes and blocks until the server acknowledges
// every member of req, returning per-member statuses. ctx bounds the wait.
func (p *Pool) SubscribeAndWait(ctx context.Context, req model.SubscriptionRequest) (map[model.Member]model.Status, error) {
	if err := p.Subscribe(ctx, req); err != nil {
		return nil, err
	}
	return p.waiter.Wait(ctx, req.Kind, req.Members)
}

// Unsubscribe removes req's members from whichever channels carry them.
// Channel subscription counts are left unchanged.
func (p *Pool) Unsubscribe(req model.SubscriptionRequest) error {
	p.mu.Lock()
	subs := make([]*ResilientSubscription, 0, len(p.entries))
	for _, e := range p.entries {
		subs = append(subs, e.sub)
	}
	p.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		var carried []model.Member
		desired := model.NewSubscribeRequest(req.Kind, sub.Desired(req.Kind)...)
		for _, m := range req.Members {
			if desired.Contains(m) {
				carried = append(carried, m)
			}
		}
		if len(carried) == 0 {
			continue
		}
		if err := sub.Unsubscribe(model.NewUnsubscribeRequest(req.Kind, carried...)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddListeners registers a listener table on every current and future
// channel. The AddOn*Listener methods below are shorthands for one field.
func (p *Pool) AddListeners(l Listeners) { p.registry.Add(l) }

// AddOnMessageListener registers fn for every message of every kind.
func (p *Pool) AddOnMessageListener(fn func(model.Message)) {
	p.registry.Add(Listeners{OnMessage: fn})
}

// AddOnCandleListener registers fn for candles.
func (p *Pool) AddOnCandleListener(fn func(model.Candle)) {
	p.registry.Add(Listeners{OnCandle: fn})
}

// AddOnLastPriceListener registers fn for last prices.
func (p *Pool) AddOnLastPriceListener(fn func(model.LastPrice)) {
	p.registry.Add(Listeners{OnLastPrice: fn})
}

// AddOnOrderBookListener registers fn for order book snapshots.
func (p *Pool) AddOnOrderBookListener(fn func(model.OrderBook)) {
	p.registry.Add(Listeners{OnOrderBook: fn})
}

// AddOnTradeListener registers fn for market trades.
func (p *Pool) AddOnTradeListener(fn func(model.Trade)) {
	p.registry.Add(Listeners{OnTrade: fn})
}

// AddOnTradingStatusListener registers fn for trading status changes.
func (p *Pool) AddOnTradingStatusListener(fn func(model.TradingStatus)) {
	p.registry.Add(Listeners{OnTradingStatus: fn})
}

// AddOnSubscriptionAckListener registers fn for subscription acks.
func (p *Pool) AddOnSubscriptionAckListener(fn func(model.SubscriptionAck)) {
	p.registry.Add(Listeners{OnSubscriptionAck: fn})
}

// AddOnPingListener registers fn for server heartbeats.
func (p *Pool) AddOnPingListener(fn func(model.Ping)) {
	p.registry.Add(Listeners{OnPing: fn})
}

// AddOnErrorListener registers fn for channel transport failures.
func (p *Pool) AddOnErrorListener(fn func(error)) {
	p.registry.Add(Listeners{OnError: fn})
}

// AddOnCompleteListener registers fn for streams the server completes.
func (p *Pool) AddOnCompleteListener(fn func()) {
	p.registry.Add(Listeners{OnComplete: fn})
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	entries := make([]PoolEntryStats, 0, len(p.entries))
	connected := 0
	for _, e := range p.entries {
		st := e.sub.Channel().State()
		if st == StateConnected {
			connected++
		}
		entries = append(entries, PoolEntryStats{
			ChannelID:         e.sub.Channel().ID(),
			SubscriptionCount: e.count,
			State:             st,
			Health:            e.sub.Health(),
		})
	}
	p.mu.Unlock()

	return PoolStats{
		Channels:       len(entries),
		ConnectedCount: connected,
		Entries:        entries,
		PendingAcks:    p.waiter.Pending(),
		ListenerPanics: p.registry.Panics(),
	}
}

// Shutdown closes every channel in parallel. It does not wait for
// in-flight deliveries to drain. Calling Shutdown again returns nil.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.mu.Unlock()

	p.logger.Info("shutting down pool", "channels", len(entries))
	p.supervisor.Stop()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(e.sub.Close)
	}
	return g.Wait()
}
