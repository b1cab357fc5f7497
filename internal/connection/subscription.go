package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/invest-streams/internal/model"
)

// errNothingToOpen is returned by open when no member is left to
// subscribe or replay.
var errNothingToOpen = errors.New("nothing to subscribe")

// ResilientSubscription owns one channel and the subscription state that
// must survive its reconnects.
//
// Per kind it tracks four member sets:
//   - desired: everything the caller asked for and has not unsubscribed
//   - acked: members the server last accepted; the only members replayed
//   - pending: sent on the current generation, awaiting an ack
//   - queued: requested but not yet sent
//
// Invariant: acked is a subset of desired.
type ResilientSubscription struct {
	spec     StreamSpec
	cfg      SubscriptionConfig
	channel  *Channel
	registry *Registry
	logger   *slog.Logger

	supervisor     *Supervisor
	ownsSupervisor bool

	mu    sync.Mutex
	kinds map[model.Kind]*kindState

	busy       atomic.Bool // connect or reconnect in progress
	started    atomic.Bool
	closed     atomic.Bool
	health     atomic.Int32
	reconnects atomic.Int64
}

type kindState struct {
	desired    memberSet
	acked      memberSet
	pending    memberSet
	queued     memberSet
	unresolved bool
}

// NewResilientSubscription creates a disconnected subscription for spec.
// Application listeners live in registry, which may be shared.
func NewResilientSubscription(spec StreamSpec, transport Transport, registry *Registry, cfg SubscriptionConfig, logger *slog.Logger) *ResilientSubscription {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	cfg = cfg.withDefaults()

	r := &ResilientSubscription{
		spec:     spec,
		cfg:      cfg,
		registry: registry,
		kinds:    make(map[model.Kind]*kindState),
	}
	r.channel = NewChannel(spec, transport, ChannelHooks{
		OnMessage:  r.deliver,
		OnError:    r.onTransportError,
		OnComplete: r.onComplete,
	}, cfg.Clock, logger)
	r.logger = logger.With("channel", r.channel.ID(), "stream", spec.Name)

	r.supervisor = cfg.Supervisor
	if r.supervisor == nil {
		r.supervisor = NewSupervisor(cfg.CheckInterval(), cfg.Clock, logger)
		r.ownsSupervisor = true
	}
	return r
}

// Name identifies the subscription in logs.
func (r *ResilientSubscription) Name() string {
	return r.spec.Name + "/" + r.channel.ID()
}

// Channel returns the underlying channel.
func (r *ResilientSubscription) Channel() *Channel { return r.channel }

// LastSeen returns the channel's last inbound traffic time.
func (r *ResilientSubscription) LastSeen() time.Time { return r.channel.LastSeen() }

// StaleAfter returns the liveness threshold.
func (r *ResilientSubscription) StaleAfter() time.Duration { return r.cfg.StaleAfter() }

// Health returns the liveness verdict.
func (r *ResilientSubscription) Health() Health { return Health(r.health.Load()) }

// Suspect moves a healthy subscription to suspect.
func (r *ResilientSubscription) Suspect() {
	r.health.CompareAndSwap(int32(HealthHealthy), int32(HealthSuspect))
}

// Subscribe adds the request's members to the desired set. Members are
// sent immediately when the channel is connected, otherwise they are sent
// once it is. Members already awaiting an ack are not sent again.
func (r *ResilientSubscription) Subscribe(req model.SubscriptionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !r.spec.Serves(req.Kind) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedKind, req.Kind, r.spec.Name)
	}
	if r.closed.Load() {
		return ErrAlreadyClosed
	}

	r.mu.Lock()
	ks := r.kindLocked(req.Kind)
	queued := 0
	for _, m := range req.Members {
		ks.desired.add(m)
		if ks.pending.has(m) || ks.queued.has(m) {
			continue
		}
		ks.queued.add(m)
		queued++
	}
	r.mu.Unlock()

	if queued > 0 {
		r.logger.Debug("members queued", "kind", req.Kind, "count", queued)
		r.flush()
	}
	return nil
}

// Unsubscribe drops the request's members from every tracked set. On a
// bidirectional stream an unsubscribe request is sent for members the
// server knows about; a server-push stream is reopened without them.
func (r *ResilientSubscription) Unsubscribe(req model.SubscriptionRequest) error {
	if !r.spec.Serves(req.Kind) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedKind, req.Kind, r.spec.Name)
	}
	if r.closed.Load() {
		return ErrAlreadyClosed
	}

	r.mu.Lock()
	ks, ok := r.kinds[req.Kind]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	var live []model.Member
	for _, m := range req.Members {
		if ks.acked.has(m) || ks.pending.has(m) {
			live = append(live, m)
		}
		ks.desired.remove(m)
		ks.acked.remove(m)
		ks.pending.remove(m)
		ks.queued.remove(m)
	}
	remaining := r.openMembersLocked()
	inFlight := r.pendingMembersLocked()
	r.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	r.logger.Info("unsubscribing", "kind", req.Kind, "members", len(live))

	if r.spec.Bidirectional {
		if r.channel.State() != StateConnected {
			return nil
		}
		if err := r.channel.Send(model.NewUnsubscribeRequest(req.Kind, live...).WithPingDelay(r.pingDelayMs())); err != nil {
			return err
		}
		if remaining == 0 && inFlight == 0 {
			r.health.Store(int32(HealthIdle))
			r.logger.Debug("stream idle, last member unsubscribed")
			return r.channel.Disconnect()
		}
		return nil
	}
	if remaining == 0 {
		r.health.Store(int32(HealthIdle))
		return r.channel.Disconnect()
	}
	r.Reconnect("subscription changed")
	return nil
}

// Connect opens the channel and sends everything queued. The subscription
// is watched from here on, so a failed connect is retried by the
// supervisor. Connect on a connected subscription only flushes the queue.
func (r *ResilientSubscription) Connect(ctx context.Context) error {
	if r.closed.Load() {
		return ErrAlreadyClosed
	}
	r.started.Store(true)
	r.supervisor.Watch(r)
	if r.ownsSupervisor {
		r.supervisor.Start()
	}

	if r.channel.State() == StateConnected {
		r.flush()
		return nil
	}
	if !r.busy.CompareAndSwap(false, true) {
		return nil
	}
	err := r.open(ctx, true)
	r.busy.Store(false)

	switch {
	case errors.Is(err, errNothingToOpen):
		r.health.Store(int32(HealthIdle))
		return nil
	case err != nil:
		r.health.Store(int32(HealthSuspect))
		r.registry.DispatchError(err)
		return err
	}
	r.health.Store(int32(HealthHealthy))
	r.flush()
	return nil
}

// Reconnect disconnects the channel, reopens it and replays the
// acknowledged members of every kind. Concurrent calls collapse into one:
// only the caller that starts the sequence gets true.
func (r *ResilientSubscription) Reconnect(reason string) bool {
	if r.closed.Load() {
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		return false
	}

	r.health.Store(int32(HealthReconnecting))
	r.logger.Info("reconnecting stream", "reason", reason)

	if err := r.channel.Disconnect(); err != nil {
		r.logger.Debug("disconnect before reconnect", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
	err := r.open(ctx, false)
	cancel()
	r.busy.Store(false)

	switch {
	case errors.Is(err, errNothingToOpen):
		r.health.Store(int32(HealthIdle))
		r.logger.Debug("stream idle, nothing to replay")
		// Members queued while the sequence ran resume the stream.
		r.flush()
		return true
	case err != nil && r.closed.Load():
		return true
	case err != nil:
		r.health.Store(int32(HealthSuspect))
		r.logger.Warn("reconnect failed", "reason", reason, "error", err)
		r.registry.DispatchError(err)
		return true
	}

	r.reconnects.Add(1)
	r.health.Store(int32(HealthHealthy))
	r.logger.Info("stream reconnected", "reason", reason, "generation", r.channel.Generation())
	r.flush()
	return true
}

// Close unwatches the subscription and closes its channel. It does not
// wait for an in-flight delivery to finish.
func (r *ResilientSubscription) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.supervisor.Unwatch(r)
	if r.ownsSupervisor {
		r.supervisor.Stop()
	}
	return r.channel.Close()
}

// Acknowledged returns the members of kind the server last accepted.
func (r *ResilientSubscription) Acknowledged(kind model.Kind) []model.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok := r.kinds[kind]; ok {
		return ks.acked.list()
	}
	return nil
}

// Desired returns every member of kind the caller has asked for.
func (r *ResilientSubscription) Desired(kind model.Kind) []model.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok := r.kinds[kind]; ok {
		return ks.desired.list()
	}
	return nil
}

// Unresolved reports whether the last ack for kind accepted nothing.
func (r *ResilientSubscription) Unresolved(kind model.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok := r.kinds[kind]; ok {
		return ks.unresolved
	}
	return false
}

// Stats returns a snapshot of the subscription.
func (r *ResilientSubscription) Stats() SubscriptionStats {
	r.mu.Lock()
	kinds := make(map[model.Kind]KindStats, len(r.kinds))
	for k, ks := range r.kinds {
		kinds[k] = KindStats{
			Desired:      ks.desired.len(),
			Acknowledged: ks.acked.len(),
			Pending:      ks.pending.len(),
			Queued:       ks.queued.len(),
			Unresolved:   ks.unresolved,
		}
	}
	r.mu.Unlock()

	return SubscriptionStats{
		ChannelID:  r.channel.ID(),
		Stream:     r.spec.Name,
		State:      r.channel.State(),
		Health:     r.Health(),
		LastSeen:   r.channel.LastSeen(),
		Reconnects: r.reconnects.Load(),
		Kinds:      kinds,
	}
}

// open connects the channel for a new generation. Members still pending
// from the previous generation were never acknowledged and are not
// replayed. Queued members are sent after the replay. With nothing to
// send, open returns errNothingToOpen unless allowEmpty is set for a
// bidirectional stream.
func (r *ResilientSubscription) open(ctx context.Context, allowEmpty bool) error {
	ping := r.pingDelayMs()

	r.mu.Lock()
	var replay, fresh []model.SubscriptionRequest
	for _, kind := range r.spec.Kinds {
		ks, ok := r.kinds[kind]
		if !ok {
			continue
		}
		if n := ks.pending.len(); n > 0 {
			r.logger.Warn("dropping unacknowledged members from replay", "kind", kind, "count", n)
			ks.pending.clear()
		}
		if ks.acked.len() > 0 {
			replay = append(replay, model.NewSubscribeRequest(kind, ks.acked.list()...).WithPingDelay(ping))
		}
		if ks.queued.len() > 0 {
			members := ks.queued.list()
			ks.pending.addAll(members)
			ks.queued.clear()
			fresh = append(fresh, model.NewSubscribeRequest(kind, members...).WithPingDelay(ping))
		}
	}
	r.mu.Unlock()

	var err error
	if r.spec.Bidirectional {
		if len(replay) == 0 && len(fresh) == 0 && !allowEmpty {
			return errNothingToOpen
		}
		err = r.channel.Connect(ctx, model.SubscriptionRequest{})
		if err == nil {
			err = r.sendAll(append(replay, fresh...))
		}
	} else {
		initial, ok := mergeRequests(append(replay, fresh...))
		if !ok {
			return errNothingToOpen
		}
		err = r.channel.Connect(ctx, initial.WithPingDelay(ping))
	}

	if err != nil {
		r.requeue(fresh)
	}
	return err
}

// flush sends queued members if the channel can take them now. A
// server-push stream cannot take new members on an open stream, so it is
// reopened instead.
func (r *ResilientSubscription) flush() {
	if r.closed.Load() || !r.started.Load() || r.busy.Load() {
		return
	}

	if !r.spec.Bidirectional {
		r.mu.Lock()
		has := r.hasQueuedLocked()
		r.mu.Unlock()
		if has {
			go r.Reconnect("subscription changed")
		}
		return
	}

	if r.channel.State() != StateConnected {
		if r.Health() == HealthIdle {
			r.mu.Lock()
			has := r.hasQueuedLocked()
			r.mu.Unlock()
			if has {
				go r.Reconnect("subscription resumed")
			}
		}
		return
	}

	ping := r.pingDelayMs()
	r.mu.Lock()
	var reqs []model.SubscriptionRequest
	for _, kind := range r.spec.Kinds {
		ks, ok := r.kinds[kind]
		if !ok || ks.queued.len() == 0 {
			continue
		}
		members := ks.queued.list()
		ks.pending.addAll(members)
		ks.queued.clear()
		reqs = append(reqs, model.NewSubscribeRequest(kind, members...).WithPingDelay(ping))
	}
	r.mu.Unlock()

	if err := r.sendAll(reqs); err != nil {
		r.logger.Warn("send failed, members kept for next connect", "error", err)
		r.requeue(reqs)
	}
}

func (r *ResilientSubscription) sendAll(reqs []model.SubscriptionRequest) error {
	for _, req := range reqs {
		if err := r.channel.Send(req); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResilientSubscription) requeue(reqs []model.SubscriptionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range reqs {
		ks := r.kindLocked(req.Kind)
		for _, m := range req.Members {
			if !ks.desired.has(m) {
				continue
			}
			ks.pending.remove(m)
			ks.queued.add(m)
		}
	}
}

// deliver runs on the channel's read goroutine. Ack bookkeeping happens
// before application listeners see the message.
func (r *ResilientSubscription) deliver(msg model.Message) {
	if ack, ok := msg.Payload.(model.SubscriptionAck); ok && r.spec.Serves(ack.Kind) {
		r.handleAck(ack)
	}
	r.registry.Dispatch(msg)
}

func (r *ResilientSubscription) handleAck(ack model.SubscriptionAck) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ks, ok := r.kinds[ack.Kind]
	if !ok {
		return
	}

	var mentioned []model.Member
	for _, st := range ack.Statuses {
		if ks.pending.has(st.Member) || ks.acked.has(st.Member) {
			mentioned = append(mentioned, st.Member)
		}
	}
	if len(mentioned) == 0 {
		return
	}

	current := model.NewSubscribeRequest(ack.Kind, mentioned...)
	narrowed, accepted := r.cfg.Processor(current, ack)
	for _, m := range current.Members {
		ks.pending.remove(m)
	}

	if !accepted {
		ks.unresolved = true
		r.logger.Warn("subscription rejected",
			"kind", ack.Kind,
			"members", len(current.Members),
			"tracking_id", ack.TrackingID,
		)
		return
	}

	for _, m := range current.Members {
		ks.acked.remove(m)
	}
	for _, m := range narrowed.Members {
		if ks.desired.has(m) {
			ks.acked.add(m)
		}
	}
	ks.unresolved = false
	r.logger.Debug("subscription acknowledged",
		"kind", ack.Kind,
		"accepted", len(narrowed.Members),
		"rejected", len(current.Members)-len(narrowed.Members),
		"tracking_id", ack.TrackingID,
	)
}

func (r *ResilientSubscription) onTransportError(err error) {
	r.registry.DispatchError(err)
	if !r.closed.Load() {
		go r.Reconnect("transport error")
	}
}

func (r *ResilientSubscription) onComplete() {
	r.registry.DispatchComplete()
	if !r.closed.Load() {
		go r.Reconnect("stream completed")
	}
}

func (r *ResilientSubscription) kindLocked(kind model.Kind) *kindState {
	ks, ok := r.kinds[kind]
	if !ok {
		ks = &kindState{}
		r.kinds[kind] = ks
	}
	return ks
}

func (r *ResilientSubscription) hasQueuedLocked() bool {
	for _, ks := range r.kinds {
		if ks.queued.len() > 0 {
			return true
		}
	}
	return false
}

// openMembersLocked counts members a reopened stream would carry.
func (r *ResilientSubscription) openMembersLocked() int {
	n := 0
	for _, ks := range r.kinds {
		n += ks.acked.len() + ks.queued.len()
	}
	return n
}

func (r *ResilientSubscription) pendingMembersLocked() int {
	n := 0
	for _, ks := range r.kinds {
		n += ks.pending.len()
	}
	return n
}

func (r *ResilientSubscription) pingDelayMs() int64 {
	return r.cfg.PingDelay.Milliseconds()
}

// mergeRequests folds same-kind requests into one. Server-push streams
// carry a single kind.
func mergeRequests(reqs []model.SubscriptionRequest) (model.SubscriptionRequest, bool) {
	if len(reqs) == 0 {
		return model.SubscriptionRequest{}, false
	}
	var members []model.Member
	for _, req := range reqs {
		members = append(members, req.Members...)
	}
	return model.NewSubscribeRequest(reqs[0].Kind, members...), true
}

// memberSet is an insertion-ordered set of members.
type memberSet struct {
	order []model.Member
	index map[model.Member]struct{}
}

func (s *memberSet) has(m model.Member) bool {
	_, ok := s.index[m]
	return ok
}

func (s *memberSet) add(m model.Member) {
	if s.index == nil {
		s.index = make(map[model.Member]struct{})
	}
	if _, ok := s.index[m]; ok {
		return
	}
	s.index[m] = struct{}{}
	s.order = append(s.order, m)
}

func (s *memberSet) addAll(ms []model.Member) {
	for _, m := range ms {
		s.add(m)
	}
}

func (s *memberSet) remove(m model.Member) {
	if _, ok := s.index[m]; !ok {
		return
	}
	delete(s.index, m)
	for i, x := range s.order {
		if x == m {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *memberSet) clear() {
	s.order = nil
	s.index = nil
}

func (s *memberSet) len() int { return len(s.order) }

func (s *memberSet) list() []model.Member {
	return append([]model.Member(nil), s.order...)
}
