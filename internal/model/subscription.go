package model

import (
	"errors"
	"fmt"
	"strconv"
)

// -----------------------------------------------------------------------------
// Subscription Requests
// -----------------------------------------------------------------------------

// Member is one subscribable entity within a request: an instrument for
// market data, an account for order and portfolio streams.
type Member struct {
	ID       string `json:"id"`
	Interval string `json:"interval,omitempty"` // Candle interval, e.g. "1m"
	Depth    int    `json:"depth,omitempty"`    // Order book depth
}

// String renders the member as id[/interval][@depth].
func (m Member) String() string {
	s := m.ID
	if m.Interval != "" {
		s += "/" + m.Interval
	}
	if m.Depth > 0 {
		s += "@" + strconv.Itoa(m.Depth)
	}
	return s
}

// Action says whether a request adds or removes members.
type Action int

const (
	ActionSubscribe Action = iota
	ActionUnsubscribe
)

func (a Action) String() string {
	if a == ActionUnsubscribe {
		return "unsubscribe"
	}
	return "subscribe"
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "subscribe", "":
		*a = ActionSubscribe
	case "unsubscribe":
		*a = ActionUnsubscribe
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// SubscriptionRequest describes what the server should push. Values are
// treated as immutable: the With* methods return modified copies and never
// share the Members backing array with the receiver.
type SubscriptionRequest struct {
	Kind        Kind     `json:"kind"`
	Action      Action   `json:"action"`
	Members     []Member `json:"members"`
	PingDelayMs int64    `json:"ping_delay_ms,omitempty"`
}

// NewSubscribeRequest builds a subscribe request. Duplicate members are
// dropped, first occurrence wins.
func NewSubscribeRequest(kind Kind, members ...Member) SubscriptionRequest {
	return SubscriptionRequest{Kind: kind, Action: ActionSubscribe, Members: dedupe(members)}
}

// NewUnsubscribeRequest builds an unsubscribe request.
func NewUnsubscribeRequest(kind Kind, members ...Member) SubscriptionRequest {
	return SubscriptionRequest{Kind: kind, Action: ActionUnsubscribe, Members: dedupe(members)}
}

// WithPingDelay returns a copy carrying the requested ping cadence.
func (r SubscriptionRequest) WithPingDelay(ms int64) SubscriptionRequest {
	out := r.clone()
	out.PingDelayMs = ms
	return out
}

// WithMembers returns a copy with the member list replaced.
func (r SubscriptionRequest) WithMembers(members []Member) SubscriptionRequest {
	out := r
	out.Members = dedupe(members)
	return out
}

// Contains reports whether m is one of the request's members.
func (r SubscriptionRequest) Contains(m Member) bool {
	for _, x := range r.Members {
		if x == m {
			return true
		}
	}
	return false
}

// Keys returns the members as a set.
func (r SubscriptionRequest) Keys() map[Member]struct{} {
	out := make(map[Member]struct{}, len(r.Members))
	for _, m := range r.Members {
		out[m] = struct{}{}
	}
	return out
}

// Empty reports whether the request has no members.
func (r SubscriptionRequest) Empty() bool {
	return len(r.Members) == 0
}

// Validate checks the request can be sent.
func (r SubscriptionRequest) Validate() error {
	if !r.Kind.Subscribable() {
		return fmt.Errorf("kind %s cannot be subscribed", r.Kind)
	}
	if len(r.Members) == 0 {
		return errors.New("request has no members")
	}
	for i, m := range r.Members {
		if m.ID == "" {
			return fmt.Errorf("member %d has empty id", i)
		}
	}
	return nil
}

func (r SubscriptionRequest) clone() SubscriptionRequest {
	out := r
	out.Members = append([]Member(nil), r.Members...)
	return out
}

func dedupe(members []Member) []Member {
	out := make([]Member, 0, len(members))
	seen := make(map[Member]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// -----------------------------------------------------------------------------
// Acknowledgments
// -----------------------------------------------------------------------------

// Status is the per-member outcome of a subscription attempt.
type Status int

const (
	StatusUnspecified Status = iota
	StatusSuccess
	StatusInstrumentNotFound
	StatusInvalidAction
	StatusInvalidDepth
	StatusInvalidInterval
	StatusLimitExceeded
	StatusInternalError
	StatusTooManyRequests
	StatusSubscriptionNotFound
)

var statusNames = map[Status]string{
	StatusUnspecified:          "unspecified",
	StatusSuccess:              "success",
	StatusInstrumentNotFound:   "instrument_not_found",
	StatusInvalidAction:        "invalid_action",
	StatusInvalidDepth:         "invalid_depth",
	StatusInvalidInterval:      "invalid_interval",
	StatusLimitExceeded:        "limit_exceeded",
	StatusInternalError:        "internal_error",
	StatusTooManyRequests:      "too_many_requests",
	StatusSubscriptionNotFound: "subscription_not_found",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// OK reports whether the member subscription succeeded.
func (s Status) OK() bool { return s == StatusSuccess }

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// MemberStatus pairs a member with its subscription outcome.
type MemberStatus struct {
	Member Member `json:"member"`
	Status Status `json:"status"`
}

// SubscriptionAck is the server's per-member answer to a request.
type SubscriptionAck struct {
	Kind       Kind           `json:"kind"`
	TrackingID string         `json:"tracking_id,omitempty"`
	Statuses   []MemberStatus `json:"statuses"`
}

// Successes returns the members whose status is success, in order.
func (a SubscriptionAck) Successes() []Member {
	var out []Member
	for _, s := range a.Statuses {
		if s.Status.OK() {
			out = append(out, s.Member)
		}
	}
	return out
}

// StatusMap returns member -> status.
func (a SubscriptionAck) StatusMap() map[Member]Status {
	out := make(map[Member]Status, len(a.Statuses))
	for _, s := range a.Statuses {
		out[s.Member] = s.Status
	}
	return out
}

// Matches reports whether the ack is for kind and reports on exactly the
// given member set. Order is ignored.
func (a SubscriptionAck) Matches(kind Kind, members []Member) bool {
	if a.Kind != kind {
		return false
	}
	want := make(map[Member]struct{}, len(members))
	for _, m := range members {
		want[m] = struct{}{}
	}
	got := a.StatusMap()
	if len(got) != len(want) {
		return false
	}
	for m := range want {
		if _, ok := got[m]; !ok {
			return false
		}
	}
	return true
}
