package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rickgao/invest-streams/internal/model"
)

func TestRegistry_DispatchOrder(t *testing.T) {
	var order []string
	r := NewRegistry(nil,
		Listeners{OnCandle: func(model.Candle) { order = append(order, "candle-1") }},
		Listeners{OnMessage: func(model.Message) { order = append(order, "raw-1") }},
	)
	r.Add(Listeners{
		OnMessage: func(model.Message) { order = append(order, "raw-2") },
		OnCandle:  func(model.Candle) { order = append(order, "candle-2") },
		OnTrade:   func(model.Trade) { order = append(order, "trade") },
	})

	r.Dispatch(model.Message{Payload: model.Candle{InstrumentID: "A"}})

	want := []string{"raw-1", "raw-2", "candle-1", "candle-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestRegistry_ListenerIsolation(t *testing.T) {
	const n = 100

	var raw, candles, trades, errs atomic.Int64
	r := NewRegistry(nil,
		Listeners{
			OnMessage: func(model.Message) { panic("raw boom") },
			OnCandle:  func(model.Candle) { panic("candle boom") },
			OnTrade:   func(model.Trade) { panic("trade boom") },
			OnError:   func(error) { panic("error boom") },
		},
		Listeners{
			OnMessage: func(model.Message) { raw.Add(1) },
			OnCandle:  func(model.Candle) { candles.Add(1) },
			OnTrade:   func(model.Trade) { trades.Add(1) },
			OnError:   func(error) { errs.Add(1) },
		},
	)

	for i := 0; i < n; i++ {
		r.Dispatch(model.Message{Payload: model.Candle{InstrumentID: "A"}})
		r.Dispatch(model.Message{Payload: model.Trade{InstrumentID: "A"}})
	}
	r.DispatchError(errors.New("transport"))

	if got := raw.Load(); got != 2*n {
		t.Errorf("raw deliveries = %d, want %d", got, 2*n)
	}
	if got := candles.Load(); got != n {
		t.Errorf("candle deliveries = %d, want %d", got, n)
	}
	if got := trades.Load(); got != n {
		t.Errorf("trade deliveries = %d, want %d", got, n)
	}
	if got := errs.Load(); got != 1 {
		t.Errorf("error deliveries = %d, want 1", got)
	}
	if got := r.Panics(); got != 4*n+1 {
		t.Errorf("Panics() = %d, want %d", got, 4*n+1)
	}
}

func TestRegistry_PanickingListenerKeepsStreamUp(t *testing.T) {
	const n = 100

	var good atomic.Int64
	registry := NewRegistry(nil,
		Listeners{OnLastPrice: func(model.LastPrice) { panic("boom") }},
		Listeners{OnLastPrice: func(model.LastPrice) { good.Add(1) }},
	)

	ft := &fakeTransport{}
	sub := NewResilientSubscription(MarketDataStream, ft, registry, SubscriptionConfig{}, nil)
	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sub.Close()

	for i := 0; i < n; i++ {
		ft.stream(0).push(model.LastPrice{InstrumentID: "A"})
	}
	waitFor(t, "deliveries", func() bool { return good.Load() == n })

	if sub.Channel().State() != StateConnected {
		t.Errorf("State() = %v, want connected", sub.Channel().State())
	}
	if ft.opens() != 1 {
		t.Errorf("opens = %d, want 1 (no reconnect)", ft.opens())
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(nil)
	var late atomic.Int64

	// Registering from inside a dispatch must not affect the current one.
	r.Add(Listeners{OnPing: func(model.Ping) {
		r.Add(Listeners{OnPing: func(model.Ping) { late.Add(1) }})
	}})

	r.Dispatch(model.Message{Payload: model.Ping{}})
	if late.Load() != 0 {
		t.Errorf("listener added mid-dispatch ran %d times, want 0", late.Load())
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	r.Dispatch(model.Message{Payload: model.Ping{}})
	if late.Load() != 1 {
		t.Errorf("late listener ran %d times, want 1", late.Load())
	}
}
