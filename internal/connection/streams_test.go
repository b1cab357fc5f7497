package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/invest-streams/internal/model"
)

func TestAccountStreams(t *testing.T) {
	tests := []struct {
		name string
		open func(Transport, []string, Listeners) (*ResilientSubscription, error)
		kind model.Kind
	}{
		{"order state", func(tr Transport, acc []string, l Listeners) (*ResilientSubscription, error) {
			return NewOrderStateStream(tr, acc, SubscriptionConfig{}, l, nil)
		}, model.KindOrderState},
		{"order trades", func(tr Transport, acc []string, l Listeners) (*ResilientSubscription, error) {
			return NewOrderTradesStream(tr, acc, SubscriptionConfig{}, l, nil)
		}, model.KindOrderTrades},
		{"portfolio", func(tr Transport, acc []string, l Listeners) (*ResilientSubscription, error) {
			return NewPortfolioStream(tr, acc, SubscriptionConfig{}, l, nil)
		}, model.KindPortfolio},
		{"positions", func(tr Transport, acc []string, l Listeners) (*ResilientSubscription, error) {
			return NewPositionsStream(tr, acc, SubscriptionConfig{}, l, nil)
		}, model.KindPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			sub, err := tt.open(ft, []string{"acc-1", "acc-2"}, Listeners{})
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			defer sub.Close()

			if ft.opens() != 0 {
				t.Fatalf("opens before Connect = %d, want 0", ft.opens())
			}
			if err := sub.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}

			initial := ft.initial(0)
			if initial.Kind != tt.kind {
				t.Errorf("initial kind = %v, want %v", initial.Kind, tt.kind)
			}
			for _, id := range []string{"acc-1", "acc-2"} {
				if !initial.Contains(model.Member{ID: id}) {
					t.Errorf("initial request missing %s: %v", id, initial.Members)
				}
			}

			if _, err := tt.open(ft, nil, Listeners{}); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("open with no accounts = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestPortfolioStream_DeliversToListeners(t *testing.T) {
	got := make(chan model.Portfolio, 1)
	ft := &fakeTransport{}
	sub, err := NewPortfolioStream(ft, []string{"acc"}, SubscriptionConfig{}, Listeners{
		OnPortfolio: func(p model.Portfolio) { got <- p },
	}, nil)
	if err != nil {
		t.Fatalf("NewPortfolioStream failed: %v", err)
	}
	defer sub.Close()

	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ft.stream(0).push(model.Portfolio{AccountID: "acc", Currency: "rub"})

	select {
	case p := <-got:
		if p.AccountID != "acc" {
			t.Errorf("AccountID = %q, want acc", p.AccountID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("portfolio not delivered")
	}
}
