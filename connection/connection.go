/*
The connection package defines the surface of the client's connection core.

Layers of the connection architecture:
 1. Transporter - delimited frames over a single socket
 2. Pipeline    - frame bytes <-> message-level packages
 3. Connection Manager - the state machine that owns both, tracks in-flight
    operations by correlation id, enforces liveness via heartbeats, and
    reconnects with bounded backoff

The manager implementation lives in connection/storeconnection; this package
only holds the interfaces and failure types shared by all layers.
*/
package connection

import (
	"time"

	"github.com/everstore/everstore-go/connection/wire"
)

// Client is a local requester. Responses and failures for every operation it
// starts are handed back through Receive; the connection watches Done so that
// operations belonging to a dead client can be cleaned up.
type Client interface {
	Receive(result wire.Result)
	Done() <-chan struct{}
}

type Connection interface {
	// Send submits a fully formed outbound package on behalf of a client
	Send(client Client, pkg wire.PackageOut)

	// SendMessage wraps a bare message into a package with a freshly minted
	// correlation id and the connection's default credentials
	SendMessage(client Client, msg wire.Message)

	// SendMessageWith does the same with explicit credentials
	SendMessageWith(client Client, msg wire.Message, creds *wire.Credentials)

	Close(reason error, timeout time.Duration)
	Done() <-chan struct{}
	Err() error
	Ready() bool
}
