package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rickgao/invest-streams/internal/buffer"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
)

// printer writes events to the console off the delivery goroutine, so a
// slow terminal never stalls a stream.
type printer struct {
	out     io.Writer
	verbose bool
	queue   *buffer.GrowableBuffer[model.Message]
	logger  *slog.Logger
}

func newPrinter(out io.Writer, verbose bool, logger *slog.Logger) *printer {
	if logger == nil {
		logger = slog.Default()
	}
	return &printer{
		out:     out,
		verbose: verbose,
		queue:   buffer.New[model.Message](256, 64*1024),
		logger:  logger,
	}
}

func (p *printer) Listener() connection.Listeners {
	return connection.Listeners{
		OnMessage: func(msg model.Message) { p.queue.Push(msg) },
	}
}

// Run prints queued events until ctx is done or Close is called and the
// queue is empty.
func (p *printer) Run(ctx context.Context) error {
	for {
		msg, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, buffer.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		line := formatEvent(msg, p.verbose)
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(p.out, line); err != nil {
			p.logger.Warn("print failed", "error", err)
		}
	}
}

func (p *printer) Close() { p.queue.Close() }

func (p *printer) Stats() buffer.Stats { return p.queue.Stats() }

// formatEvent renders one event as a console line. Pings are shown only
// in verbose mode, which also appends the payload as indented JSON.
func formatEvent(msg model.Message, verbose bool) string {
	var line string
	switch v := msg.Payload.(type) {
	case model.Candle:
		line = fmt.Sprintf("[CANDLE] instrument=%s interval=%s open=%s high=%s low=%s close=%s volume=%d",
			v.InstrumentID, v.Interval, v.Open, v.High, v.Low, v.Close, v.Volume)
	case model.LastPrice:
		line = fmt.Sprintf("[LAST_PRICE] instrument=%s price=%s", v.InstrumentID, v.Price)
	case model.OrderBook:
		line = fmt.Sprintf("[ORDER_BOOK] instrument=%s depth=%d %s | %s",
			v.InstrumentID, v.Depth, topLevel("bid", v.Bids), topLevel("ask", v.Asks))
	case model.Trade:
		line = fmt.Sprintf("[TRADE] instrument=%s direction=%s price=%s quantity=%d",
			v.InstrumentID, v.Direction, v.Price, v.Quantity)
	case model.TradingStatus:
		line = fmt.Sprintf("[TRADING_STATUS] instrument=%s status=%s limit=%t market=%t",
			v.InstrumentID, v.Status, v.LimitOrders, v.MarketOrders)
	case model.SubscriptionAck:
		parts := make([]string, 0, len(v.Statuses))
		for _, s := range v.Statuses {
			parts = append(parts, s.Member.String()+"="+s.Status.String())
		}
		line = fmt.Sprintf("[ACK] kind=%s %s", v.Kind, strings.Join(parts, " "))
	case model.OrderState:
		line = fmt.Sprintf("[ORDER_STATE] account=%s order=%s instrument=%s status=%s executed=%d/%d price=%s",
			v.AccountID, v.OrderID, v.InstrumentID, v.Status, v.LotsExecuted, v.LotsRequested, v.Price)
	case model.OrderTrades:
		line = fmt.Sprintf("[ORDER_TRADES] account=%s order=%s instrument=%s direction=%s fills=%d",
			v.AccountID, v.OrderID, v.InstrumentID, v.Direction, len(v.Fills))
	case model.Portfolio:
		line = fmt.Sprintf("[PORTFOLIO] account=%s total=%s yield=%s currency=%s",
			v.AccountID, v.TotalAmount, v.ExpectedYield, v.Currency)
	case model.Position:
		line = fmt.Sprintf("[POSITION] account=%s instrument=%s balance=%d blocked=%d",
			v.AccountID, v.InstrumentID, v.Balance, v.Blocked)
	case model.Ping:
		if !verbose {
			return ""
		}
		line = "[PING]"
	case model.Other:
		line = fmt.Sprintf("[OTHER] name=%s size=%d", v.Name, len(v.Raw))
	default:
		return ""
	}

	if verbose {
		if data, err := json.MarshalIndent(msg.Payload, "  ", "  "); err == nil {
			line += "\n  " + string(data)
		}
	}
	return line
}

func topLevel(side string, levels []model.Level) string {
	if len(levels) == 0 {
		return side + "=-"
	}
	return fmt.Sprintf("%s=%s x %d", side, levels[0].Price, levels[0].Quantity)
}
