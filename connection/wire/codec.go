package wire

import (
	"fmt"
)

const (
	// command + flags + 16 byte correlation id
	frameHeaderLength = 18

	flagAuthenticated byte = 0x01
)

// DecodeError is carried inside a PackageIn when a frame cannot be decoded.
// It is never fatal to the connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return nil }

// EncodeFrame lays a package out as a single frame. The transporter is
// responsible for delimiting frames on the byte stream; this is everything in
// between the delimiters.
func EncodeFrame(pkg PackageOut) ([]byte, error) {
	flags := byte(0)
	if pkg.Credentials != nil {
		flags |= flagAuthenticated

		if len(pkg.Credentials.Login) > 255 {
			return nil, fmt.Errorf("login exceeds 255 bytes")
		}
		if len(pkg.Credentials.Password) > 255 {
			return nil, fmt.Errorf("password exceeds 255 bytes")
		}
	}

	frame := make([]byte, 0, frameHeaderLength+credentialsLength(pkg.Credentials)+len(pkg.Message.Payload))
	frame = append(frame, byte(pkg.Message.Command), flags)
	frame = append(frame, pkg.CorrelationId[:]...)

	if pkg.Credentials != nil {
		frame = append(frame, byte(len(pkg.Credentials.Login)))
		frame = append(frame, pkg.Credentials.Login...)
		frame = append(frame, byte(len(pkg.Credentials.Password)))
		frame = append(frame, pkg.Credentials.Password...)
	}

	return append(frame, pkg.Message.Payload...), nil
}

// DecodeFrame parses a single inbound frame. A malformed body behind a valid
// header still yields the correlation id so that the failure can be routed to
// the waiting operation.
func DecodeFrame(frame []byte) PackageIn {
	if len(frame) < frameHeaderLength {
		return PackageIn{Err: &DecodeError{Reason: fmt.Sprintf("frame of %d bytes is shorter than the %d byte header", len(frame), frameHeaderLength)}}
	}

	command := Command(frame[0])
	flags := frame[1]

	var correlationId CorrelationId
	copy(correlationId[:], frame[2:frameHeaderLength])

	payload := frame[frameHeaderLength:]
	if flags&flagAuthenticated != 0 {
		// Inbound frames are not expected to carry credentials but tolerating
		// them costs nothing: skip past both length-prefixed fields
		rest, err := skipCredentials(payload)
		if err != nil {
			return PackageIn{
				CorrelationId: correlationId,
				Err:           &DecodeError{Reason: err.Error()},
			}
		}
		payload = rest
	}

	return PackageIn{
		CorrelationId: correlationId,
		Message: Message{
			Command: command,
			Payload: payload,
		},
	}
}

func skipCredentials(body []byte) ([]byte, error) {
	for _, field := range []string{"login", "password"} {
		if len(body) < 1 {
			return nil, fmt.Errorf("authenticated frame truncated before %s length", field)
		}
		fieldLen := int(body[0])
		if len(body) < 1+fieldLen {
			return nil, fmt.Errorf("authenticated frame truncated inside %s", field)
		}
		body = body[1+fieldLen:]
	}
	return body, nil
}

func credentialsLength(creds *Credentials) int {
	if creds == nil {
		return 0
	}
	return 2 + len(creds.Login) + len(creds.Password)
}
