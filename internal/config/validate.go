package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/invest-streams/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.API.Transport {
	case TransportGRPC, TransportWebSocket:
	default:
		return fmt.Errorf("api.transport must be %q or %q, got %q", TransportGRPC, TransportWebSocket, c.API.Transport)
	}
	if c.API.Endpoint == "" {
		return errors.New("api.endpoint is required")
	}

	if c.Streams.PingDelay <= 0 {
		return errors.New("streams.ping_delay must be > 0")
	}
	if c.Streams.StaleMultiplier < 1 {
		return errors.New("streams.stale_multiplier must be >= 1")
	}
	if c.Streams.MaxChannels < 1 {
		return errors.New("streams.max_channels must be >= 1")
	}
	if c.Streams.MaxSubscriptionsPerChannel < 1 {
		return errors.New("streams.max_subscriptions_per_channel must be >= 1")
	}
	if c.Streams.AckMailboxSize < 1 {
		return errors.New("streams.ack_mailbox_size must be >= 1")
	}

	for i, s := range c.Subscriptions {
		if _, err := s.Request(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return errors.New("relay.url is required when relay is enabled")
		}
		if c.Relay.BufferSize < 1 {
			return errors.New("relay.buffer_size must be >= 1")
		}
	}

	return nil
}

// Request builds the subscribe request described by s.
func (s SubscriptionConfig) Request() (model.SubscriptionRequest, error) {
	kind, err := model.ParseKind(s.Kind)
	if err != nil {
		return model.SubscriptionRequest{}, err
	}
	if len(s.IDs) == 0 {
		return model.SubscriptionRequest{}, errors.New("ids must not be empty")
	}

	members := make([]model.Member, 0, len(s.IDs))
	for _, id := range s.IDs {
		members = append(members, model.Member{ID: id, Interval: s.Interval, Depth: s.Depth})
	}
	req := model.NewSubscribeRequest(kind, members...)
	if err := req.Validate(); err != nil {
		return model.SubscriptionRequest{}, err
	}
	return req, nil
}
