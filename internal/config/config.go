// Package config loads the streamwatch YAML configuration.
package config

import "time"

// Transport names accepted in api.transport.
const (
	TransportGRPC      = "grpc"
	TransportWebSocket = "websocket"
)

// Config is the root configuration.
type Config struct {
	API           APIConfig            `yaml:"api"`
	Streams       StreamsConfig        `yaml:"streams"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Relay         RelayConfig          `yaml:"relay"`
}

// APIConfig holds upstream API settings.
type APIConfig struct {
	Transport   string        `yaml:"transport"`  // grpc | websocket
	Endpoint    string        `yaml:"endpoint"`   // host:port for grpc, ws(s):// base URL for websocket
	Token       string        `yaml:"token"`      // Bearer token; prefer token_file or INVEST_TOKEN
	TokenFile   string        `yaml:"token_file"` // File holding the token
	AppName     string        `yaml:"app_name"`   // Sent as x-app-name
	Insecure    bool          `yaml:"insecure"`   // Plaintext grpc, for local gateways
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StreamsConfig holds subscription and pool settings.
type StreamsConfig struct {
	PingDelay                  time.Duration `yaml:"ping_delay"`
	StaleMultiplier            int           `yaml:"stale_multiplier"`
	ConnectTimeout             time.Duration `yaml:"connect_timeout"`
	SubscribeTimeout           time.Duration `yaml:"subscribe_timeout"`
	MaxChannels                int           `yaml:"max_channels"`
	MaxSubscriptionsPerChannel int           `yaml:"max_subscriptions_per_channel"`
	AckMailboxSize             int           `yaml:"ack_mailbox_size"`
}

// SubscriptionConfig is one subscription opened at startup. For market
// data kinds IDs are instrument ids; for account kinds they are account ids.
type SubscriptionConfig struct {
	Kind     string   `yaml:"kind"`
	IDs      []string `yaml:"ids"`
	Interval string   `yaml:"interval"` // Candles only
	Depth    int      `yaml:"depth"`    // Order books only
}

// RelayConfig holds NATS republishing settings.
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	BufferSize    int    `yaml:"buffer_size"`
}
