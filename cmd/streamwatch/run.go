package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/rickgao/invest-streams/internal/auth"
	"github.com/rickgao/invest-streams/internal/config"
	"github.com/rickgao/invest-streams/internal/connection"
	"github.com/rickgao/invest-streams/internal/model"
	"github.com/rickgao/invest-streams/internal/relay"
	"github.com/rickgao/invest-streams/internal/transport/grpcstream"
	"github.com/rickgao/invest-streams/internal/transport/wsstream"
	"github.com/rickgao/invest-streams/internal/version"
)

type runOptions struct {
	ConfigPath    string
	EnvFile       string
	Verbose       bool
	Quiet         bool
	Log           logOptions
	StatsInterval time.Duration
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the configured streams and print events",
		Long: `Connects to the invest API, opens the subscriptions listed in the config
file and prints every event. With relay.enabled the events are also
republished to NATS. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "configs/streamwatch.yaml", "path to config file")
	f.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging and full event payloads")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print events (relay only)")
	f.StringVar(&opts.Log.File, "log-file", "", "also write logs to this rotating file")
	f.IntVar(&opts.Log.MaxSizeMB, "log-max-size", 100, "log file size in MB before rotation")
	f.IntVar(&opts.Log.MaxBackups, "log-max-backups", 5, "rotated log files to keep")
	f.DurationVar(&opts.StatsInterval, "stats-interval", 10*time.Second, "how often to log stream stats; 0 disables")
	return cmd
}

// run blocks until ctx is cancelled, then shuts everything down.
func run(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	opts.Log.Verbose = opts.Verbose
	logger, logCloser := newLogger(opts.Log, stderr)
	defer logCloser.Close()

	cfg, err := config.LoadAndValidate(opts.ConfigPath)
	if err != nil {
		return err
	}

	appName := cfg.API.AppName
	if appName == "" {
		appName = version.AppName()
	}
	creds, err := auth.LoadCredentials(cfg.API.Token, cfg.API.TokenFile, appName)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	transport, transportCloser, err := buildTransport(cfg.API, creds, logger)
	if err != nil {
		return err
	}
	defer transportCloser.Close()

	logger.Info("starting streamwatch",
		"version", version.String(),
		"transport", cfg.API.Transport,
		"endpoint", cfg.API.Endpoint,
		"subscriptions", len(cfg.Subscriptions),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Sinks
	var sinks []connection.Listeners
	var out *printer
	if !opts.Quiet {
		out = newPrinter(stdout, opts.Verbose, logger)
		sinks = append(sinks, out.Listener())
		g.Go(func() error { return out.Run(gctx) })
	}

	var rel *relay.Relay
	var nc *nats.Conn
	if cfg.Relay.Enabled {
		nc, err = relay.Connect(cfg.Relay.URL, appName, cfg.API.DialTimeout, logger)
		if err != nil {
			stopWorkers(g, out, nil, logger)
			return fmt.Errorf("connect relay: %w", err)
		}
		rel = relay.New(nc, relay.Config{
			SubjectPrefix: cfg.Relay.SubjectPrefix,
			BufferSize:    cfg.Relay.BufferSize,
		}, logger)
		sinks = append(sinks, rel.Listener())
		g.Go(func() error { return rel.Run(gctx) })
	}

	listeners := fanOut(logger, sinks...)
	subCfg := subscriptionConfig(cfg.Streams)

	pool, err := connection.NewPool(transport, poolConfig(cfg.Streams), logger)
	if err != nil {
		stopWorkers(g, out, rel, logger)
		return err
	}
	pool.AddListeners(listeners)

	shutdown := func(subs []*connection.ResilientSubscription) {
		if err := pool.Shutdown(); err != nil {
			logger.Warn("pool shutdown", "error", err)
		}
		closeAll(subs, logger)
		stopWorkers(g, out, rel, logger)
		if nc != nil {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain", "error", err)
			}
		}
	}

	accountSubs, err := subscribeAll(ctx, cfg, pool, transport, subCfg, listeners, logger)
	if err != nil {
		shutdown(accountSubs)
		return err
	}

	if opts.StatsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, opts.StatsInterval, pool, accountSubs, rel, out, logger)
			return nil
		})
	}

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")

	shutdown(accountSubs)
	logger.Info("shutdown complete")
	return nil
}

// stopWorkers closes the sinks and waits for the errgroup to finish.
func stopWorkers(g *errgroup.Group, out *printer, rel *relay.Relay, logger *slog.Logger) {
	if out != nil {
		out.Close()
	}
	if rel != nil {
		rel.Close()
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("worker stopped with error", "error", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out waiting for workers")
	}
}

// buildTransport returns the configured transport and a closer for it.
func buildTransport(api config.APIConfig, creds *auth.Credentials, logger *slog.Logger) (connection.Transport, io.Closer, error) {
	switch api.Transport {
	case config.TransportWebSocket:
		t := wsstream.New(wsstream.Config{
			Endpoint:         api.Endpoint,
			HandshakeTimeout: api.DialTimeout,
		}, creds, logger)
		return t, nopCloser{}, nil
	case config.TransportGRPC, "":
		var dialOpts []grpc.DialOption
		if api.DialTimeout > 0 {
			dialOpts = append(dialOpts, grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           backoff.DefaultConfig,
				MinConnectTimeout: api.DialTimeout,
			}))
		}
		t, err := grpcstream.New(grpcstream.Config{
			Target:      api.Endpoint,
			Insecure:    api.Insecure,
			DialOptions: dialOpts,
		}, creds, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, closerFunc(t.Close), nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", api.Transport)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func subscriptionConfig(s config.StreamsConfig) connection.SubscriptionConfig {
	return connection.SubscriptionConfig{
		PingDelay:       s.PingDelay,
		StaleMultiplier: s.StaleMultiplier,
		ConnectTimeout:  s.ConnectTimeout,
	}
}

func poolConfig(s config.StreamsConfig) connection.PoolConfig {
	return connection.PoolConfig{
		MaxChannels:                s.MaxChannels,
		MaxSubscriptionsPerChannel: s.MaxSubscriptionsPerChannel,
		AckMailboxSize:             s.AckMailboxSize,
		Subscription:               subscriptionConfig(s),
	}
}

type accountStreamFunc func(connection.Transport, []string, connection.SubscriptionConfig, connection.Listeners, *slog.Logger) (*connection.ResilientSubscription, error)

var accountStreams = map[model.Kind]accountStreamFunc{
	model.KindOrderState:  connection.NewOrderStateStream,
	model.KindOrderTrades: connection.NewOrderTradesStream,
	model.KindPortfolio:   connection.NewPortfolioStream,
	model.KindPosition:    connection.NewPositionsStream,
}

// subscribeAll opens every configured subscription. Market data goes
// through the pool; each account subscription gets its own stream. Acks
// that do not arrive within the subscribe timeout and failed connects are
// logged and left to the supervisor. Capacity errors are fatal.
func subscribeAll(ctx context.Context, cfg *config.Config, pool *connection.Pool, t connection.Transport,
	subCfg connection.SubscriptionConfig, l connection.Listeners, logger *slog.Logger) ([]*connection.ResilientSubscription, error) {

	var accountSubs []*connection.ResilientSubscription
	for i, sc := range cfg.Subscriptions {
		req, err := sc.Request()
		if err != nil {
			return accountSubs, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}

		if connection.MarketDataStream.Serves(req.Kind) {
			subCtx, cancel := context.WithTimeout(ctx, cfg.Streams.SubscribeTimeout)
			statuses, err := pool.SubscribeAndWait(subCtx, req)
			cancel()
			switch {
			case errors.Is(err, connection.ErrCapacityExceeded):
				return accountSubs, err
			case err != nil:
				logger.Warn("subscription not confirmed", "kind", req.Kind, "members", len(req.Members), "error", err)
			default:
				logStatuses(logger, req.Kind, statuses)
			}
			continue
		}

		newStream, ok := accountStreams[req.Kind]
		if !ok {
			return accountSubs, fmt.Errorf("subscriptions[%d]: %w: %s", i, connection.ErrUnsupportedKind, req.Kind)
		}
		sub, err := newStream(t, sc.IDs, subCfg, l, logger)
		if err != nil {
			return accountSubs, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		accountSubs = append(accountSubs, sub)

		connCtx, cancel := context.WithTimeout(ctx, cfg.Streams.ConnectTimeout)
		err = sub.Connect(connCtx)
		cancel()
		if err != nil {
			logger.Warn("account stream connect failed, will retry", "stream", sub.Name(), "error", err)
			continue
		}
		logger.Info("account stream connected", "stream", sub.Name(), "accounts", len(sc.IDs))
	}
	return accountSubs, nil
}

func logStatuses(logger *slog.Logger, kind model.Kind, statuses map[model.Member]model.Status) {
	ok := 0
	for m, st := range statuses {
		if st.OK() {
			ok++
			continue
		}
		logger.Warn("member rejected", "kind", kind, "member", m.String(), "status", st)
	}
	logger.Info("subscribed", "kind", kind, "ok", ok, "rejected", len(statuses)-ok)
}

// fanOut combines sinks into one table. Stream errors and completions are
// logged rather than forwarded.
func fanOut(logger *slog.Logger, sinks ...connection.Listeners) connection.Listeners {
	return connection.Listeners{
		OnMessage: func(msg model.Message) {
			for _, s := range sinks {
				if s.OnMessage != nil {
					s.OnMessage(msg)
				}
			}
		},
		OnError: func(err error) {
			logger.Warn("stream error", "error", err)
		},
		OnComplete: func() {
			logger.Info("stream completed by server")
		},
	}
}

func closeAll(subs []*connection.ResilientSubscription, logger *slog.Logger) {
	for _, s := range subs {
		if err := s.Close(); err != nil && !errors.Is(err, connection.ErrAlreadyClosed) {
			logger.Warn("close stream", "stream", s.Name(), "error", err)
		}
	}
}

func logStats(ctx context.Context, every time.Duration, pool *connection.Pool, subs []*connection.ResilientSubscription,
	rel *relay.Relay, out *printer, logger *slog.Logger) {

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := pool.Stats()
			attrs := []any{
				"channels", ps.Channels,
				"connected", ps.ConnectedCount,
				"pending_acks", ps.PendingAcks,
				"listener_panics", ps.ListenerPanics,
			}
			for _, s := range subs {
				attrs = append(attrs, s.Name(), s.Health().String())
			}
			if out != nil {
				st := out.Stats()
				attrs = append(attrs, "printed", st.Popped, "print_dropped", st.Dropped)
			}
			if rel != nil {
				rs := rel.Stats()
				attrs = append(attrs, "relayed", rs.Published, "relay_failed", rs.Failed, "relay_dropped", rs.Dropped)
			}
			logger.Info("stats", attrs...)
		}
	}
}
