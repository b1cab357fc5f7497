// Package grpcstream implements connection.Transport over gRPC streams.
//
// Streams are opened generically by method name (/<service>/<stream>) with
// a JSON codec, so no generated stubs are needed. Authentication rides on
// per-RPC credentials from the auth package.
package grpcstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rickgao/invest-streams/internal/auth"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
)

// Config holds gRPC transport settings.
type Config struct {
	Target      string            // host:port or any gRPC target URI
	Insecure    bool              // Plaintext; also lifts the TLS requirement for the token
	DialOptions []grpc.DialOption // Appended after the transport's own options
}

// Transport opens streams over one shared client connection.
type Transport struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// New creates a transport. creds may be nil for unauthenticated targets.
// The connection is established lazily on the first Open.
func New(cfg Config, creds *auth.Credentials, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Target == "" {
		return nil, errors.New("grpc target is required")
	}

	var opts []grpc.DialOption
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if creds != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(creds.PerRPC(!cfg.Insecure)))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", cfg.Target, err)
	}

	return &Transport{
		conn:   conn,
		logger: logger.With("transport", "grpc", "target", cfg.Target),
	}, nil
}

// Close closes the client connection and every stream on it.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Method returns the full method name for spec.
func Method(spec connection.StreamSpec) string {
	return "/" + spec.Service + "/" + spec.Name
}

// Open starts the RPC for spec. ctx bounds establishment only; the stream
// lives until Close. A server-push stream sends initial and half-closes.
func (t *Transport) Open(ctx context.Context, spec connection.StreamSpec, initial model.SubscriptionRequest) (connection.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	desc := &grpc.StreamDesc{
		StreamName:    spec.Name,
		ServerStreams: true,
		ClientStreams: spec.Bidirectional,
	}
	cs, err := t.conn.NewStream(streamCtx, desc, Method(spec), grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("open %s: %w", Method(spec), err)
	}

	s := &stream{
		cs:     cs,
		cancel: cancel,
		bidi:   spec.Bidirectional,
		logger: t.logger.With("stream", spec.Name),
	}

	if !initial.Empty() {
		if err := cs.SendMsg(&initial); err != nil {
			stop()
			cancel()
			return nil, fmt.Errorf("send initial request: %w", err)
		}
	}
	if !spec.Bidirectional {
		if err := cs.CloseSend(); err != nil {
			stop()
			cancel()
			return nil, fmt.Errorf("close send: %w", err)
		}
	}

	if !stop() {
		// ctx fired while opening and the stream has been cancelled.
		cancel()
		return nil, ctx.Err()
	}

	s.logger.Debug("grpc stream opened", "method", Method(spec))
	return s, nil
}

type stream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	bidi   bool
	logger *slog.Logger

	sendMu     sync.Mutex
	onActivity atomic.Pointer[func()]
}

// OnActivity registers fn to run on frames Recv skips.
func (s *stream) OnActivity(fn func()) {
	s.onActivity.Store(&fn)
}

func (s *stream) Send(req model.SubscriptionRequest) error {
	if !s.bidi {
		return connection.ErrSendUnsupported
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.cs.SendMsg(&req)
}

// Recv returns the next decoded message, or io.EOF once the server ends
// the RPC with an OK status. Undecodable envelopes are logged and skipped.
func (s *stream) Recv() (model.Message, error) {
	for {
		var f frame
		if err := s.cs.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return model.Message{}, io.EOF
			}
			return model.Message{}, err
		}

		msg, err := model.DecodeMessage(f, time.Now())
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err, "size", len(f))
			if fn := s.onActivity.Load(); fn != nil {
				(*fn)()
			}
			continue
		}
		return msg, nil
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}
