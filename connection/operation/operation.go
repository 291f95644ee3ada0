/*
The operation package tracks every in-flight request and subscription as a
small state machine keyed by correlation id. The connection manager is the
only caller: it feeds inbound results in, asks operations whether they claim
follow-up outgoing messages from their client, and tells them when the session
is (re)established or lost. Operations never touch the socket directly; they
transmit through the Sender they were constructed with, which the manager
rebinds on every reconnect.
*/
package operation

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
)

// Sender transmits a package on the current session. Calls made while the
// session is down are dropped; replay on reconnect covers them.
type Sender func(pkg wire.PackageOut)

// Operation is the per-request sub-state-machine. Inspect and lifecycle
// methods return the operation to keep in the table (usually the receiver)
// and false when the operation is terminal and must be removed.
type Operation interface {
	Id() wire.CorrelationId
	Client() connection.Client

	// InspectIn consumes an inbound result addressed to this operation
	InspectIn(result wire.Result) (Operation, bool)

	// ClaimsOutgoing reports whether this operation absorbs a follow-up
	// outbound message from its client, e.g. a live subscription claiming
	// its Unsubscribe
	ClaimsOutgoing(msg wire.Message) bool

	// ApplyOutgoing absorbs a claimed outgoing message. Only called for
	// messages ClaimsOutgoing returned true for.
	ApplyOutgoing(msg wire.Message) (Operation, bool)

	// Connected replays or initializes this operation on a fresh session
	Connected(send Sender) (Operation, bool)

	// ConnectionLost is invoked when the session is lost; returning false
	// drops the operation and fails its client
	ConnectionLost() (Operation, bool)

	// ClientTerminated is invoked when the originating client dies and may
	// return a farewell package to transmit
	ClientTerminated() *wire.PackageOut
}

// New constructs the operation variant matching the package's command. The
// default is a one-shot request completed by the first response.
func New(pkg wire.PackageOut, client connection.Client, send Sender) Operation {
	switch pkg.Message.Command {
	case wire.SubscribeToStream:
		return NewSubscription(pkg, client, send)
	default:
		return NewRequest(pkg, client)
	}
}
