package connection

import (
	"fmt"
	"log/slog"

	"github.com/rickgao/invest-streams/internal/model"
)

// NewOrderStateStream subscribes to order state updates for accounts.
func NewOrderStateStream(t Transport, accounts []string, cfg SubscriptionConfig, l Listeners, logger *slog.Logger) (*ResilientSubscription, error) {
	return newAccountStream(OrderStateStream, t, accounts, cfg, l, logger)
}

// NewOrderTradesStream subscribes to order executions for accounts.
func NewOrderTradesStream(t Transport, accounts []string, cfg SubscriptionConfig, l Listeners, logger *slog.Logger) (*ResilientSubscription, error) {
	return newAccountStream(OrderTradesStream, t, accounts, cfg, l, logger)
}

// NewPortfolioStream subscribes to portfolio snapshots for accounts.
func NewPortfolioStream(t Transport, accounts []string, cfg SubscriptionConfig, l Listeners, logger *slog.Logger) (*ResilientSubscription, error) {
	return newAccountStream(PortfolioStream, t, accounts, cfg, l, logger)
}

// NewPositionsStream subscribes to position changes for accounts.
func NewPositionsStream(t Transport, accounts []string, cfg SubscriptionConfig, l Listeners, logger *slog.Logger) (*ResilientSubscription, error) {
	return newAccountStream(PositionsStream, t, accounts, cfg, l, logger)
}

// newAccountStream builds a single-subscription server-push stream with
// accounts queued. The caller connects it.
func newAccountStream(spec StreamSpec, t Transport, accounts []string, cfg SubscriptionConfig, l Listeners, logger *slog.Logger) (*ResilientSubscription, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: %s needs at least one account", ErrInvalidConfig, spec.Name)
	}

	members := make([]model.Member, 0, len(accounts))
	for _, id := range accounts {
		members = append(members, model.Member{ID: id})
	}

	sub := NewResilientSubscription(spec, t, NewRegistry(logger, l), cfg, logger)
	if err := sub.Subscribe(model.NewSubscribeRequest(spec.Kinds[0], members...)); err != nil {
		return nil, err
	}
	return sub, nil
}
