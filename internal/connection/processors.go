package connection

import "github.com/rickgao/invest-streams/internal/model"

// AckProcessor narrows current to the members an acknowledgment accepted.
// It returns false when nothing was accepted, in which case the tracked
// subscription is left unchanged.
type AckProcessor func(current model.SubscriptionRequest, ack model.SubscriptionAck) (model.SubscriptionRequest, bool)

// SuccessfulMembers keeps the members whose status is success. If every
// member succeeded the request is returned unchanged.
func SuccessfulMembers(current model.SubscriptionRequest, ack model.SubscriptionAck) (model.SubscriptionRequest, bool) {
	statuses := ack.StatusMap()

	var ok []model.Member
	for _, m := range current.Members {
		if st, found := statuses[m]; found && st.OK() {
			ok = append(ok, m)
		}
	}

	switch len(ok) {
	case 0:
		return model.SubscriptionRequest{}, false
	case len(current.Members):
		return current, true
	}
	return current.WithMembers(ok), true
}

// AllOrNothing accepts the request only if every member succeeded.
func AllOrNothing(current model.SubscriptionRequest, ack model.SubscriptionAck) (model.SubscriptionRequest, bool) {
	statuses := ack.StatusMap()
	for _, m := range current.Members {
		if !statuses[m].OK() {
			return model.SubscriptionRequest{}, false
		}
	}
	return current, len(current.Members) > 0
}
