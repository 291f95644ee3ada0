/*
This package defines all of the units that cross the pipeline boundary at the
message level: commands, messages, credentials and the in/out package tuples
that tie a message to its correlation id. Payload serialization for individual
commands lives with the command codecs, not here; the connection core treats
payloads as opaque bytes.
*/
package wire

import (
	"github.com/google/uuid"
)

// CorrelationId ties a server response to the request that caused it. It is
// globally unique per outbound package.
type CorrelationId = uuid.UUID

func NewCorrelationId() CorrelationId {
	return uuid.New()
}

type Message struct {
	Command Command
	Payload []byte
}

// Credentials authenticate a single package. The flags byte of the frame
// records whether they are present.
type Credentials struct {
	Login    string
	Password string
}

// PackageOut is handed to the pipeline for transmission.
type PackageOut struct {
	Message       Message
	CorrelationId CorrelationId
	Credentials   *Credentials
}

// PackageIn is produced by the pipeline from an inbound frame. Exactly one of
// Message and Err is meaningful: a frame that fails to decode still surfaces
// here, carrying the decode error instead of a message.
type PackageIn struct {
	CorrelationId CorrelationId
	Message       Message
	Err           error
}

func (p PackageIn) Result() Result {
	if p.Err != nil {
		return Result{Err: p.Err}
	}
	return Result{Message: &p.Message}
}

// Result is what a client ultimately receives for one of its operations:
// either a decoded message or a structured failure.
type Result struct {
	Message *Message
	Err     error
}
