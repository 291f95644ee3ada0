package operation

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
)

// subscription is the long-lived variant: confirmed by SubscribeCompleted,
// fed by EventAppeared until the server drops it or the client unsubscribes.
// On connection loss it is retained and re-issues its subscribe package on
// the next session.
type subscription struct {
	pkg    wire.PackageOut
	client connection.Client
	send   Sender

	// set once the server has confirmed the subscription on this session
	live bool
}

func NewSubscription(pkg wire.PackageOut, client connection.Client, send Sender) Operation {
	return &subscription{
		pkg:    pkg,
		client: client,
		send:   send,
	}
}

func (s *subscription) Id() wire.CorrelationId {
	return s.pkg.CorrelationId
}

func (s *subscription) Client() connection.Client {
	return s.client
}

func (s *subscription) InspectIn(result wire.Result) (Operation, bool) {
	if result.Err != nil {
		s.client.Receive(result)
		return nil, false
	}

	switch result.Message.Command {
	case wire.SubscribeCompleted:
		s.live = true
		s.client.Receive(result)
		return s, true
	case wire.EventAppeared:
		s.client.Receive(result)
		return s, true
	case wire.SubscriptionDropped:
		s.client.Receive(result)
		return nil, false
	default:
		if result.Message.Command.IsServerFailure() {
			s.client.Receive(wire.Result{Err: &connection.ServerError{
				Command: result.Message.Command.String(),
				Message: string(result.Message.Payload),
			}})
			return nil, false
		}

		// Unexpected but addressed to us; the client can decide what it means
		s.client.Receive(result)
		return s, true
	}
}

func (s *subscription) ClaimsOutgoing(msg wire.Message) bool {
	return msg.Command == wire.Unsubscribe
}

// ApplyOutgoing transmits the claimed Unsubscribe on the subscription's own
// correlation id and keeps the operation around until the server confirms the
// drop.
func (s *subscription) ApplyOutgoing(msg wire.Message) (Operation, bool) {
	s.send(wire.PackageOut{
		Message:       msg,
		CorrelationId: s.pkg.CorrelationId,
		Credentials:   s.pkg.Credentials,
	})
	return s, true
}

func (s *subscription) Connected(send Sender) (Operation, bool) {
	s.send = send
	s.live = false
	send(s.pkg)
	return s, true
}

func (s *subscription) ConnectionLost() (Operation, bool) {
	s.live = false
	return s, true
}

func (s *subscription) ClientTerminated() *wire.PackageOut {
	if !s.live {
		return nil
	}

	return &wire.PackageOut{
		Message:       wire.Message{Command: wire.Unsubscribe},
		CorrelationId: s.pkg.CorrelationId,
		Credentials:   s.pkg.Credentials,
	}
}
