package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyEnvelope is returned when a frame carries no variant.
	ErrEmptyEnvelope = errors.New("envelope has no payload")
	// ErrAmbiguousEnvelope is returned when a frame carries more than one variant.
	ErrAmbiguousEnvelope = errors.New("envelope has more than one payload")
)

// Envelope is the wire form of a server response: a JSON object with
// exactly one key naming the variant, e.g. {"candle": {...}}. Keys that
// are not a known kind name decode to Other.
type Envelope map[string]json.RawMessage

var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindCandle:          decodeAs[Candle],
	KindLastPrice:       decodeAs[LastPrice],
	KindOrderBook:       decodeAs[OrderBook],
	KindTrade:           decodeAs[Trade],
	KindTradingStatus:   decodeAs[TradingStatus],
	KindSubscriptionAck: decodeAs[SubscriptionAck],
	KindPing:            decodeAs[Ping],
	KindOrderState:      decodeAs[OrderState],
	KindOrderTrades:     decodeAs[OrderTrades],
	KindPortfolio:       decodeAs[Portfolio],
	KindPosition:        decodeAs[Position],
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeMessage parses one frame into a Message stamped with receivedAt.
func DecodeMessage(data []byte, receivedAt time.Time) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Message(receivedAt)
}

// Message converts the envelope to a Message. Null-valued keys count as absent.
func (e Envelope) Message(receivedAt time.Time) (Message, error) {
	var (
		name string
		raw  json.RawMessage
		n    int
	)
	for k, v := range e {
		if len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		name, raw = k, v
		n++
	}
	switch {
	case n == 0:
		return Message{}, ErrEmptyEnvelope
	case n > 1:
		return Message{}, ErrAmbiguousEnvelope
	}

	kind, err := ParseKind(name)
	decode, ok := decoders[kind]
	if err != nil || !ok {
		return Message{Payload: Other{Name: name, Raw: raw}, ReceivedAt: receivedAt}, nil
	}
	p, err := decode(raw)
	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return Message{Payload: p, ReceivedAt: receivedAt}, nil
}

// EncodePayload produces the wire form of a single payload.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrEmptyEnvelope
	}
	if o, ok := p.(Other); ok {
		return json.Marshal(map[string]json.RawMessage{o.Name: o.Raw})
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.PayloadKind(), err)
	}
	return json.Marshal(map[string]json.RawMessage{p.PayloadKind().String(): body})
}
