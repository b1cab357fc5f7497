package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTransport                  = TransportGRPC
	DefaultDialTimeout                = 10 * time.Second
	DefaultPingDelay                  = 30 * time.Second
	DefaultStaleMultiplier            = 3
	DefaultConnectTimeout             = 30 * time.Second
	DefaultSubscribeTimeout           = 10 * time.Second
	DefaultMaxChannels                = 16
	DefaultMaxSubscriptionsPerChannel = 300
	DefaultAckMailboxSize             = 16
	DefaultSubjectPrefix              = "invest"
	DefaultRelayBufferSize            = 1024
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.Transport == "" {
		c.API.Transport = DefaultTransport
	}
	if c.API.DialTimeout == 0 {
		c.API.DialTimeout = DefaultDialTimeout
	}

	// Streams defaults
	if c.Streams.PingDelay == 0 {
		c.Streams.PingDelay = DefaultPingDelay
	}
	if c.Streams.StaleMultiplier == 0 {
		c.Streams.StaleMultiplier = DefaultStaleMultiplier
	}
	if c.Streams.ConnectTimeout == 0 {
		c.Streams.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Streams.SubscribeTimeout == 0 {
		c.Streams.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Streams.MaxChannels == 0 {
		c.Streams.MaxChannels = DefaultMaxChannels
	}
	if c.Streams.MaxSubscriptionsPerChannel == 0 {
		c.Streams.MaxSubscriptionsPerChannel = DefaultMaxSubscriptionsPerChannel
	}
	if c.Streams.AckMailboxSize == 0 {
		c.Streams.AckMailboxSize = DefaultAckMailboxSize
	}

	// Relay defaults
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = DefaultRelayBufferSize
	}
}
