// Package connection keeps server-push streams alive and correct.
//
// A Channel is one physical stream. A ResilientSubscription owns a Channel
// and the subscription state that survives its reconnects: a Supervisor
// watches inbound traffic and, when a channel goes silent for longer than
// a small multiple of the requested ping delay, tears it down and reopens
// it, replaying only the members the server acknowledged. A Pool packs
// many market-data subscriptions onto a bounded set of channels.
//
// Inbound messages are delivered in order on each channel's read
// goroutine: subscription bookkeeping first, then the Registry's raw and
// per-kind listeners. A listener that panics is logged and skipped.
package connection
