// Package wsstream implements connection.Transport over WebSocket.
//
// Each stream is its own WebSocket at <endpoint>/<stream name>. Requests
// are written as JSON text frames; every inbound text frame is one
// envelope decoded with model.DecodeMessage.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/invest-streams/internal/auth"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
)

// Config holds WebSocket transport settings.
type Config struct {
	Endpoint         string        // Base URL, e.g. wss://host/ws
	HandshakeTimeout time.Duration // Default: 10s
	WriteTimeout     time.Duration // Default: 5s
}

// DefaultConfig returns sensible defaults. Endpoint must still be set.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Transport dials one WebSocket per stream.
type Transport struct {
	cfg    Config
	creds  *auth.Credentials
	logger *slog.Logger
	dialer websocket.Dialer
}

// New creates a transport. creds may be nil for unauthenticated endpoints.
func New(cfg Config, creds *auth.Credentials, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Transport{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With("transport", "websocket"),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// URL returns the address dialed for spec.
func (t *Transport) URL(spec connection.StreamSpec) string {
	return strings.TrimRight(t.cfg.Endpoint, "/") + "/" + spec.Name
}

// Open dials the stream. For a server-push stream the initial request is
// written before Open returns; on a bidirectional stream a non-empty
// initial request is written as the first frame.
func (t *Transport) Open(ctx context.Context, spec connection.StreamSpec, initial model.SubscriptionRequest) (connection.Stream, error) {
	trackingID := auth.NewTrackingID()
	header := http.Header{}
	header.Set("Accept", "application/json")
	if t.creds != nil {
		for k, v := range t.creds.Headers(trackingID) {
			header.Set(k, v)
		}
	}

	url := t.URL(spec)
	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &stream{
		conn:         conn,
		bidi:         spec.Bidirectional,
		writeTimeout: t.cfg.WriteTimeout,
		logger:       t.logger.With("stream", spec.Name, "tracking_id", trackingID),
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		s.active()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if !initial.Empty() {
		if err := s.write(initial); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send initial request: %w", err)
		}
	}

	s.logger.Debug("websocket connected", "url", url)
	return s, nil
}

type stream struct {
	conn         *websocket.Conn
	bidi         bool
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu    sync.Mutex
	closeOnce  sync.Once
	onActivity atomic.Pointer[func()]
}

// OnActivity registers fn to run on pings and skipped frames.
func (s *stream) OnActivity(fn func()) {
	s.onActivity.Store(&fn)
}

func (s *stream) active() {
	if fn := s.onActivity.Load(); fn != nil {
		(*fn)()
	}
}

func (s *stream) Send(req model.SubscriptionRequest) error {
	if !s.bidi {
		return connection.ErrSendUnsupported
	}
	return s.write(req)
}

func (s *stream) write(req model.SubscriptionRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(req)
}

// Recv returns the next decoded message. A normal close from the server
// is reported as io.EOF. Frames that fail to decode are logged and skipped.
func (s *stream) Recv() (model.Message, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return model.Message{}, io.EOF
			}
			return model.Message{}, err
		}
		if msgType != websocket.TextMessage {
			s.active()
			continue
		}

		msg, err := model.DecodeMessage(data, receivedAt)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
			s.active()
			continue
		}
		return msg, nil
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}
