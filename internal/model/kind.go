package model

import "fmt"

// Kind identifies which payload variant a message carries. The same values
// name the kind of data a subscription request asks for.
type Kind int

const (
	KindUnknown Kind = iota
	KindCandle
	KindLastPrice
	KindOrderBook
	KindTrade
	KindTradingStatus
	KindSubscriptionAck
	KindPing
	KindOrderState
	KindOrderTrades
	KindPortfolio
	KindPosition
	KindOther
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindCandle:          "candle",
	KindLastPrice:       "last_price",
	KindOrderBook:       "order_book",
	KindTrade:           "trade",
	KindTradingStatus:   "trading_status",
	KindSubscriptionAck: "subscription_ack",
	KindPing:            "ping",
	KindOrderState:      "order_state",
	KindOrderTrades:     "order_trades",
	KindPortfolio:       "portfolio",
	KindPosition:        "position",
	KindOther:           "other",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a snake_case name to a Kind.
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return KindUnknown, fmt.Errorf("unknown kind %q", name)
	}
	return k, nil
}

// Subscribable reports whether a subscription request may ask for this kind.
// Acks, pings and unrecognised payloads are produced by the server only.
func (k Kind) Subscribable() bool {
	switch k {
	case KindUnknown, KindSubscriptionAck, KindPing, KindOther:
		return false
	}
	_, ok := kindNames[k]
	return ok
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
