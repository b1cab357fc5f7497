package connection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rickgao/invest-streams/internal/model"
)

// DefaultAckMailboxSize bounds how many unclaimed acks an AckWaiter keeps.
const DefaultAckMailboxSize = 16

// AckWaiter lets a caller block until the acknowledgment for a request it
// just issued arrives. Acks that do not match a waiter stay in the mailbox
// for other waiters; the oldest is dropped once the mailbox is full.
//
// Wait has no timeout of its own. If the awaited ack never arrives the
// caller blocks until ctx is done, so callers must bound ctx.
type AckWaiter struct {
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	acks   []model.SubscriptionAck
	notify chan struct{} // closed and replaced on every Offer
}

// NewAckWaiter creates a waiter with the given mailbox size.
func NewAckWaiter(capacity int, logger *slog.Logger) *AckWaiter {
	if capacity <= 0 {
		capacity = DefaultAckMailboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AckWaiter{
		capacity: capacity,
		logger:   logger,
		notify:   make(chan struct{}),
	}
}

// Listener returns a table that feeds acks into the waiter.
func (w *AckWaiter) Listener() Listeners {
	return Listeners{OnSubscriptionAck: w.Offer}
}

// Offer adds an ack to the mailbox and wakes waiters.
func (w *AckWaiter) Offer(ack model.SubscriptionAck) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.acks = append(w.acks, ack)
	if len(w.acks) > w.capacity {
		dropped := w.acks[0]
		w.acks = slices.Delete(w.acks, 0, 1)
		w.logger.Warn("ack mailbox full, dropping oldest",
			"kind", dropped.Kind,
			"members", len(dropped.Statuses),
		)
	}
	close(w.notify)
	w.notify = make(chan struct{})
}

// Pending returns the number of unclaimed acks.
func (w *AckWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.acks)
}

// Wait blocks until an ack of kind reporting on every one of members
// arrives and returns their statuses. Statuses for other members in the
// same ack are left for other waiters. A done ctx aborts the wait with an
// error wrapping ErrWaitAborted. There is no built-in timeout: without a
// ctx deadline Wait blocks for as long as no matching ack arrives.
func (w *AckWaiter) Wait(ctx context.Context, kind model.Kind, members []model.Member) (map[model.Member]model.Status, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no members to wait for", ErrWaitAborted)
	}
	for {
		w.mu.Lock()
		if out, ok := w.takeLocked(kind, members); ok {
			w.mu.Unlock()
			return out, nil
		}
		notify := w.notify
		w.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s ack: %w", ErrWaitAborted, kind, ctx.Err())
		}
	}
}

func (w *AckWaiter) takeLocked(kind model.Kind, members []model.Member) (map[model.Member]model.Status, bool) {
	want := uniqueMembers(members)
	for i, ack := range w.acks {
		if ack.Kind != kind {
			continue
		}
		statuses := ack.StatusMap()
		out := make(map[model.Member]model.Status, len(want))
		for m := range want {
			st, found := statuses[m]
			if !found {
				break
			}
			out[m] = st
		}
		if len(out) != len(want) {
			continue
		}

		var rest []model.MemberStatus
		for _, st := range ack.Statuses {
			if _, claimed := want[st.Member]; !claimed {
				rest = append(rest, st)
			}
		}
		if len(rest) == 0 {
			w.acks = slices.Delete(w.acks, i, i+1)
		} else {
			w.acks[i].Statuses = rest
		}
		return out, true
	}
	return nil, false
}

func uniqueMembers(members []model.Member) map[model.Member]struct{} {
	out := make(map[model.Member]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out
}
