package connection

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/invest-streams/internal/model"
)

// Listeners is a table of optional callbacks, one per payload kind plus
// stream-level error and completion. Nil fields are skipped.
//
// Callbacks run on the channel's delivery goroutine. They must be fast and
// must not call Reconnect or Unsubscribe synchronously; hand slow work to a
// queue such as buffer.GrowableBuffer.
type Listeners struct {
	OnMessage func(model.Message) // Raw: every message, before kind-specific listeners

	OnCandle          func(model.Candle)
	OnLastPrice       func(model.LastPrice)
	OnOrderBook       func(model.OrderBook)
	OnTrade           func(model.Trade)
	OnTradingStatus   func(model.TradingStatus)
	OnSubscriptionAck func(model.SubscriptionAck)
	OnPing            func(model.Ping)
	OnOrderState      func(model.OrderState)
	OnOrderTrades     func(model.OrderTrades)
	OnPortfolio       func(model.Portfolio)
	OnPosition        func(model.Position)
	OnOther           func(model.Other)

	OnError    func(error)
	OnComplete func()
}

// Registry holds an ordered list of listener tables shared by every channel
// it is handed to. Registration is copy-on-write, so Dispatch iterates a
// snapshot without locking.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex // serialises writers
	tables atomic.Pointer[[]Listeners]
	panics atomic.Int64
}

// NewRegistry creates a registry preloaded with tables.
func NewRegistry(logger *slog.Logger, tables ...Listeners) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	initial := append([]Listeners(nil), tables...)
	r.tables.Store(&initial)
	return r
}

// Add appends a listener table. Insertion order is invocation order.
func (r *Registry) Add(l Listeners) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.tables.Load()
	next := make([]Listeners, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	r.tables.Store(&next)
}

// Len returns the number of registered tables.
func (r *Registry) Len() int { return len(*r.tables.Load()) }

// Panics returns how many listener invocations have panicked.
func (r *Registry) Panics() int64 { return r.panics.Load() }

// Dispatch delivers msg to every raw listener, then to every listener for
// the message's kind. A panicking listener is logged and skipped.
func (r *Registry) Dispatch(msg model.Message) {
	tables := *r.tables.Load()

	for i := range tables {
		if fn := tables[i].OnMessage; fn != nil {
			r.call("message", func() { fn(msg) })
		}
	}

	switch p := msg.Payload.(type) {
	case model.Candle:
		fire(r, tables, p, func(l *Listeners) func(model.Candle) { return l.OnCandle })
	case model.LastPrice:
		fire(r, tables, p, func(l *Listeners) func(model.LastPrice) { return l.OnLastPrice })
	case model.OrderBook:
		fire(r, tables, p, func(l *Listeners) func(model.OrderBook) { return l.OnOrderBook })
	case model.Trade:
		fire(r, tables, p, func(l *Listeners) func(model.Trade) { return l.OnTrade })
	case model.TradingStatus:
		fire(r, tables, p, func(l *Listeners) func(model.TradingStatus) { return l.OnTradingStatus })
	case model.SubscriptionAck:
		fire(r, tables, p, func(l *Listeners) func(model.SubscriptionAck) { return l.OnSubscriptionAck })
	case model.Ping:
		fire(r, tables, p, func(l *Listeners) func(model.Ping) { return l.OnPing })
	case model.OrderState:
		fire(r, tables, p, func(l *Listeners) func(model.OrderState) { return l.OnOrderState })
	case model.OrderTrades:
		fire(r, tables, p, func(l *Listeners) func(model.OrderTrades) { return l.OnOrderTrades })
	case model.Portfolio:
		fire(r, tables, p, func(l *Listeners) func(model.Portfolio) { return l.OnPortfolio })
	case model.Position:
		fire(r, tables, p, func(l *Listeners) func(model.Position) { return l.OnPosition })
	case model.Other:
		fire(r, tables, p, func(l *Listeners) func(model.Other) { return l.OnOther })
	}
}

// DispatchError notifies every error listener.
func (r *Registry) DispatchError(err error) {
	tables := *r.tables.Load()
	for i := range tables {
		if fn := tables[i].OnError; fn != nil {
			r.call("error", func() { fn(err) })
		}
	}
}

// DispatchComplete notifies every completion listener.
func (r *Registry) DispatchComplete() {
	tables := *r.tables.Load()
	for i := range tables {
		if fn := tables[i].OnComplete; fn != nil {
			r.call("complete", fn)
		}
	}
}

func fire[T model.Payload](r *Registry, tables []Listeners, v T, pick func(*Listeners) func(T)) {
	for i := range tables {
		if fn := pick(&tables[i]); fn != nil {
			r.call(v.PayloadKind().String(), func() { fn(v) })
		}
	}
}

func (r *Registry) call(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Warn("listener panicked", "kind", kind, "panic", p)
		}
	}()
	fn()
}
