package storeconnection

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
)

// Everything that can happen to the connection arrives here as an event on a
// single mailbox; the event loop consumes one at a time, so handlers never
// race each other. Events produced by a particular session (socket callbacks,
// pipeline traffic, heartbeat timers) carry the session number they belong to
// and are discarded once the manager has moved on to a newer session.
type event interface{}

// outbound package submitted by a local client
type outgoingEvent struct {
	client connection.Client
	pkg    wire.PackageOut
}

// decoded package delivered by the pipeline
type incomingEvent struct {
	session uint64
	pkg     wire.PackageIn
}

// the dial attempt for this session succeeded
type connectedEvent struct {
	session uint64
}

// the dial attempt for this session failed or timed out
type connectFailedEvent struct {
	session uint64
	err     error
}

// the socket died underneath a live session
type connectionClosedEvent struct {
	session uint64
	reason  error
}

// the pipeline died underneath a live session
type pipelineDeadEvent struct {
	session uint64
	reason  error
}

// time to probe the server
type heartbeatDueEvent struct {
	session uint64
	id      uint64
}

// the server did not answer our probe in time
type heartbeatTimeoutEvent struct {
	session uint64
	id      uint64
}

// a watched client died
type clientTerminatedEvent struct {
	client connection.Client
}

// the reconnect delay has elapsed
type retryTickEvent struct {
	session uint64
}
