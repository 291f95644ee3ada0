package operation

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
)

// request is the one-shot variant: a single outbound package answered by a
// single inbound result. It is retained across connection loss and replayed
// on reconnect, which gives at-least-once delivery for commands whose
// correlation id lets the server deduplicate.
type request struct {
	pkg    wire.PackageOut
	client connection.Client
}

func NewRequest(pkg wire.PackageOut, client connection.Client) Operation {
	return &request{
		pkg:    pkg,
		client: client,
	}
}

func (r *request) Id() wire.CorrelationId {
	return r.pkg.CorrelationId
}

func (r *request) Client() connection.Client {
	return r.client
}

func (r *request) InspectIn(result wire.Result) (Operation, bool) {
	r.client.Receive(result)
	return nil, false
}

func (r *request) ClaimsOutgoing(msg wire.Message) bool {
	return false
}

func (r *request) ApplyOutgoing(msg wire.Message) (Operation, bool) {
	return r, true
}

func (r *request) Connected(send Sender) (Operation, bool) {
	send(r.pkg)
	return r, true
}

func (r *request) ConnectionLost() (Operation, bool) {
	return r, true
}

func (r *request) ClientTerminated() *wire.PackageOut {
	return nil
}
