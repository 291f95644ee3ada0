package connection

import "fmt"

// The ConnectionLostError is delivered to a client when its operation is
// dropped without an answer: the session to the server was lost and the
// operation could not be retained for replay, the reconnect budget ran out, or
// the connection was closed. It should generally be treated as a retryable
// failure by callers that can re-issue their request.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	if e.Reason == "" {
		return "connection to the server was lost"
	}
	return fmt.Sprintf("connection to the server was lost: %s", e.Reason)
}

func (e *ConnectionLostError) Unwrap() error { return nil }

// The ConnectionRefusedError is used when the connect budget is exhausted and
// the manager gives up on ever establishing a session.
type ConnectionRefusedError struct {
	Attempts int
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("could not establish a connection after %d attempts", e.Attempts)
}

func (e *ConnectionRefusedError) Unwrap() error { return nil }

// The PipelineClosedError is used when the framing pipeline dies underneath a
// live session; the session cannot outlive its codec.
type PipelineClosedError struct {
	Reason string
}

func (e *PipelineClosedError) Error() string {
	return fmt.Sprintf("pipeline closed: %s", e.Reason)
}

func (e *PipelineClosedError) Unwrap() error { return nil }

// The ServerError wraps a failure command the server sent in response to one
// of our packages, e.g. BadRequest or NotAuthenticated.
type ServerError struct {
	Command string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server replied %s", e.Command)
	}
	return fmt.Sprintf("server replied %s: %s", e.Command, e.Message)
}

func (e *ServerError) Unwrap() error { return nil }
