package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Quotation is a price or money amount.
type Quotation = decimal.Decimal

// Payload is one variant of an inbound message. The set of variants is
// closed; outside packages switch on the concrete type or on PayloadKind.
type Payload interface {
	PayloadKind() Kind
	isPayload()
}

// Message is one inbound server response with the time it was read.
type Message struct {
	Payload    Payload
	ReceivedAt time.Time
}

// Kind returns the payload kind, or KindUnknown for an empty message.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return KindUnknown
	}
	return m.Payload.PayloadKind()
}

// Member returns the member the payload is about, if it has one. Acks,
// pings and unrecognised payloads report false.
func (m Message) Member() (string, bool) {
	switch p := m.Payload.(type) {
	case Candle:
		return p.InstrumentID, true
	case LastPrice:
		return p.InstrumentID, true
	case OrderBook:
		return p.InstrumentID, true
	case Trade:
		return p.InstrumentID, true
	case TradingStatus:
		return p.InstrumentID, true
	case OrderState:
		return p.AccountID, true
	case OrderTrades:
		return p.AccountID, true
	case Portfolio:
		return p.AccountID, true
	case Position:
		return p.AccountID, true
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// Candle is one OHLCV bar.
type Candle struct {
	InstrumentID string    `json:"instrument_id"`
	Interval     string    `json:"interval"`
	Open         Quotation `json:"open"`
	High         Quotation `json:"high"`
	Low          Quotation `json:"low"`
	Close        Quotation `json:"close"`
	Volume       int64     `json:"volume"`
	Time         time.Time `json:"time"`
}

// LastPrice is the latest traded price of an instrument.
type LastPrice struct {
	InstrumentID string    `json:"instrument_id"`
	Price        Quotation `json:"price"`
	Time         time.Time `json:"time"`
}

// Level is one price level of an order book.
type Level struct {
	Price    Quotation `json:"price"`
	Quantity int64     `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids are best first, asks are best first.
type OrderBook struct {
	InstrumentID string    `json:"instrument_id"`
	Depth        int       `json:"depth"`
	Bids         []Level   `json:"bids"`
	Asks         []Level   `json:"asks"`
	Time         time.Time `json:"time"`
}

// Trade is one anonymous market trade.
type Trade struct {
	InstrumentID string    `json:"instrument_id"`
	Direction    string    `json:"direction"` // "buy" or "sell"
	Price        Quotation `json:"price"`
	Quantity     int64     `json:"quantity"`
	Time         time.Time `json:"time"`
}

// TradingStatus reports whether an instrument is currently tradable.
type TradingStatus struct {
	InstrumentID string    `json:"instrument_id"`
	Status       string    `json:"status"`
	LimitOrders  bool      `json:"limit_orders"`
	MarketOrders bool      `json:"market_orders"`
	Time         time.Time `json:"time"`
}

// Ping is a server heartbeat.
type Ping struct {
	Time time.Time `json:"time"`
}

// -----------------------------------------------------------------------------
// Account Data
// -----------------------------------------------------------------------------

// OrderState is an update to one of the account's orders.
type OrderState struct {
	AccountID     string    `json:"account_id"`
	OrderID       string    `json:"order_id"`
	InstrumentID  string    `json:"instrument_id"`
	Status        string    `json:"status"`
	LotsRequested int64     `json:"lots_requested"`
	LotsExecuted  int64     `json:"lots_executed"`
	Price         Quotation `json:"price"`
	Time          time.Time `json:"time"`
}

// Fill is one execution within an OrderTrades update.
type Fill struct {
	Price    Quotation `json:"price"`
	Quantity int64     `json:"quantity"`
	TradeID  string    `json:"trade_id"`
	Time     time.Time `json:"time"`
}

// OrderTrades reports executions against one order.
type OrderTrades struct {
	AccountID    string    `json:"account_id"`
	OrderID      string    `json:"order_id"`
	InstrumentID string    `json:"instrument_id"`
	Direction    string    `json:"direction"`
	Fills        []Fill    `json:"fills"`
	Time         time.Time `json:"time"`
}

// Portfolio is an account valuation snapshot.
type Portfolio struct {
	AccountID     string    `json:"account_id"`
	TotalAmount   Quotation `json:"total_amount"`
	ExpectedYield Quotation `json:"expected_yield"`
	Currency      string    `json:"currency"`
	Time          time.Time `json:"time"`
}

// Position is a change to one holding of an account.
type Position struct {
	AccountID    string    `json:"account_id"`
	InstrumentID string    `json:"instrument_id"`
	Balance      int64     `json:"balance"`
	Blocked      int64     `json:"blocked"`
	Time         time.Time `json:"time"`
}

// Other carries a variant this client does not know. Raw holds the
// variant's JSON as received.
type Other struct {
	Name string          `json:"name"`
	Raw  json.RawMessage `json:"raw"`
}

func (Candle) PayloadKind() Kind          { return KindCandle }
func (LastPrice) PayloadKind() Kind       { return KindLastPrice }
func (OrderBook) PayloadKind() Kind       { return KindOrderBook }
func (Trade) PayloadKind() Kind           { return KindTrade }
func (TradingStatus) PayloadKind() Kind   { return KindTradingStatus }
func (SubscriptionAck) PayloadKind() Kind { return KindSubscriptionAck }
func (Ping) PayloadKind() Kind            { return KindPing }
func (OrderState) PayloadKind() Kind      { return KindOrderState }
func (OrderTrades) PayloadKind() Kind     { return KindOrderTrades }
func (Portfolio) PayloadKind() Kind       { return KindPortfolio }
func (Position) PayloadKind() Kind        { return KindPosition }
func (Other) PayloadKind() Kind           { return KindOther }

func (Candle) isPayload()          {}
func (LastPrice) isPayload()       {}
func (OrderBook) isPayload()       {}
func (Trade) isPayload()           {}
func (TradingStatus) isPayload()   {}
func (SubscriptionAck) isPayload() {}
func (Ping) isPayload()            {}
func (OrderState) isPayload()      {}
func (OrderTrades) isPayload()     {}
func (Portfolio) isPayload()       {}
func (Position) isPayload()        {}
func (Other) isPayload()           {}
