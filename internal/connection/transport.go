package connection

import (
	"context"

	"github.com/rickgao/invest-streams/internal/model"
)

// Transport opens physical streams to the remote service.
type Transport interface {
	// Open establishes a stream for spec. ctx bounds establishment only; the
	// returned stream lives until Close. A non-empty initial request is sent
	// as the first outbound message. Server-push streams accept nothing else.
	Open(ctx context.Context, spec StreamSpec, initial model.SubscriptionRequest) (Stream, error)
}

// Stream is one open physical stream.
type Stream interface {
	// Send writes a further request. Safe for concurrent use. Server-push
	// streams return ErrSendUnsupported.
	Send(req model.SubscriptionRequest) error

	// Recv blocks for the next inbound message. io.EOF means the server
	// completed the stream; any other error is a transport failure.
	Recv() (model.Message, error)

	// Close releases the stream and unblocks a pending Recv. Idempotent.
	Close() error
}

// ActivityReporter is implemented by streams that see traffic Recv never
// returns, such as protocol pings or frames that fail to decode. The
// channel installs a hook so that traffic counts toward liveness.
type ActivityReporter interface {
	OnActivity(fn func())
}
