package transporter

import (
	"context"
)

// Transporter ferries whole frames across a single socket. Implementations
// own the delimiting of frames on the underlying byte stream; consumers only
// ever see complete frames.
type Transporter interface {
	Done() <-chan struct{}
	Err() error
	Inbound() <-chan *[]byte
	Dial(ctx context.Context, address string) error
	Send(frame []byte) error
	Close(reason error)
}
