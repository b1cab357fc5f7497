package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/invest-streams/internal/auth"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
)

func mockWSServer(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, p model.Payload) {
	t.Helper()
	data, err := model.EncodePayload(p)
	if err != nil {
		t.Errorf("EncodePayload failed: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("server write failed: %v", err)
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestTransport_OpenHeadersAndPath(t *testing.T) {
	type seen struct {
		path, authz, app, tracking string
	}
	got := make(chan seen, 1)

	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		got <- seen{
			path:     r.URL.Path,
			authz:    r.Header.Get(auth.HeaderAuthorization),
			app:      r.Header.Get(auth.HeaderAppName),
			tracking: r.Header.Get(auth.HeaderTrackingID),
		}
		drain(conn)
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server) + "/ws/"}, &auth.Credentials{Token: "t.secret", AppName: "app/1"}, nil)
	s, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	h := <-got
	if h.path != "/ws/MarketDataStream" {
		t.Errorf("path = %q, want %q", h.path, "/ws/MarketDataStream")
	}
	if h.authz != "Bearer t.secret" {
		t.Errorf("authorization = %q, want %q", h.authz, "Bearer t.secret")
	}
	if h.app != "app/1" {
		t.Errorf("x-app-name = %q, want %q", h.app, "app/1")
	}
	if h.tracking == "" {
		t.Error("x-tracking-id is empty")
	}
}

func TestTransport_OpenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	_, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err == nil {
		t.Fatal("Open error = nil, want error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Open error = %v, want status in message", err)
	}
}

func TestStream_SendAndRecv(t *testing.T) {
	requests := make(chan model.SubscriptionRequest, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		var req model.SubscriptionRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("server read failed: %v", err)
			return
		}
		requests <- req

		member := req.Members[0]
		writeEnvelope(t, conn, model.SubscriptionAck{
			Kind:     req.Kind,
			Statuses: []model.MemberStatus{{Member: member, Status: model.StatusSuccess}},
		})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"candle": {"instrument_id": "A",`)) // truncated
		writeEnvelope(t, conn, model.Candle{
			InstrumentID: member.ID,
			Interval:     member.Interval,
			Close:        decimal.RequireFromString("101.25"),
		})
		drain(conn)
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	s, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	a := model.Member{ID: "A", Interval: "1m"}
	if err := s.Send(model.NewSubscribeRequest(model.KindCandle, a).WithPingDelay(5000)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	req := <-requests
	if req.Kind != model.KindCandle || !req.Contains(a) || req.PingDelayMs != 5000 {
		t.Errorf("server got %+v, want candle subscribe for A with ping 5000", req)
	}

	msg, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv ack failed: %v", err)
	}
	ack, ok := msg.Payload.(model.SubscriptionAck)
	if !ok || ack.StatusMap()[a] != model.StatusSuccess {
		t.Fatalf("first message = %+v, want success ack for A", msg.Payload)
	}

	// The truncated frame is skipped.
	msg, err = s.Recv()
	if err != nil {
		t.Fatalf("Recv candle failed: %v", err)
	}
	candle, ok := msg.Payload.(model.Candle)
	if !ok {
		t.Fatalf("second message = %T, want model.Candle", msg.Payload)
	}
	if !candle.Close.Equal(decimal.RequireFromString("101.25")) {
		t.Errorf("Close = %s, want 101.25", candle.Close)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
}

func TestStream_ServerPushInitialRequest(t *testing.T) {
	first := make(chan []byte, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		first <- data
		drain(conn)
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	initial := model.NewSubscribeRequest(model.KindPortfolio, model.Member{ID: "acc"})
	s, err := tr.Open(context.Background(), connection.PortfolioStream, initial)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var got model.SubscriptionRequest
	if err := json.Unmarshal(<-first, &got); err != nil {
		t.Fatalf("initial frame is not a request: %v", err)
	}
	if got.Kind != model.KindPortfolio || !got.Contains(model.Member{ID: "acc"}) {
		t.Errorf("initial = %+v, want portfolio for acc", got)
	}

	if err := s.Send(initial); !errors.Is(err, connection.ErrSendUnsupported) {
		t.Errorf("Send = %v, want ErrSendUnsupported", err)
	}
}

func TestStream_ReportsSkippedTraffic(t *testing.T) {
	ready := make(chan struct{})
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		<-ready
		conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"trade": `))
		writeEnvelope(t, conn, model.Ping{})
		drain(conn)
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	s, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ar, ok := s.(connection.ActivityReporter)
	if !ok {
		t.Fatalf("stream %T does not report activity", s)
	}
	var seen atomic.Int32
	ar.OnActivity(func() { seen.Add(1) })
	close(ready)

	msg, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if _, ok := msg.Payload.(model.Ping); !ok {
		t.Fatalf("message = %T, want model.Ping", msg.Payload)
	}
	// Control ping, binary frame and truncated frame.
	if got := seen.Load(); got != 3 {
		t.Errorf("activity reported %d times, want 3", got)
	}
}

func TestStream_RecvEOFOnNormalClose(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second),
		)
		drain(conn)
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	s, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv = %v, want io.EOF", err)
	}
}

func TestStream_RecvErrorOnAbort(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	s, err := tr.Open(context.Background(), connection.MarketDataStream, model.SubscriptionRequest{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	_, err = s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Recv = %v, want a transport error", err)
	}
}

func TestTransport_ResilientSubscription(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		for {
			var req model.SubscriptionRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			statuses := make([]model.MemberStatus, 0, len(req.Members))
			for _, m := range req.Members {
				statuses = append(statuses, model.MemberStatus{Member: m, Status: model.StatusSuccess})
			}
			writeEnvelope(t, conn, model.SubscriptionAck{Kind: req.Kind, Statuses: statuses})
			for _, m := range req.Members {
				writeEnvelope(t, conn, model.LastPrice{InstrumentID: m.ID, Price: decimal.NewFromInt(42)})
			}
		}
	})
	defer server.Close()

	prices := make(chan model.LastPrice, 1)
	registry := connection.NewRegistry(nil, connection.Listeners{
		OnLastPrice: func(p model.LastPrice) { prices <- p },
	})

	tr := New(Config{Endpoint: wsURL(server)}, nil, nil)
	sub := connection.NewResilientSubscription(connection.MarketDataStream, tr, registry, connection.SubscriptionConfig{}, nil)
	defer sub.Close()

	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	a := model.Member{ID: "A"}
	if err := sub.Subscribe(model.NewSubscribeRequest(model.KindLastPrice, a)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case p := <-prices:
		if p.InstrumentID != "A" {
			t.Errorf("InstrumentID = %q, want A", p.InstrumentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no last price delivered")
	}

	acked := sub.Acknowledged(model.KindLastPrice)
	if len(acked) != 1 || acked[0] != a {
		t.Errorf("Acknowledged = %v, want [A]", acked)
	}
}
