package toolserver

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a call names a server that is not in the
// registry's ready set. No I/O is attempted.
var ErrNotConnected = errors.New("tool server not connected")

// ErrConnectionLost is returned for requests that were in flight when the
// server's process exited or its streams closed.
var ErrConnectionLost = errors.New("tool server connection lost")

// ErrTimeout is returned when a request's deadline elapses before the
// server responds. A response arriving later is discarded.
var ErrTimeout = errors.New("tool server request timed out")

// ToolError is a JSON-RPC error reported by the server itself: the call
// reached the tool and the tool rejected it. Distinct from transport and
// timeout failures so callers can tell "the tool said no" from "the tool
// was unreachable".
type ToolError struct {
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}
