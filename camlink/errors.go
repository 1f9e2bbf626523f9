package camlink

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("config is nil")

	// ErrTransportNil indicates that a nil Transport was provided.
	ErrTransportNil = errors.New("transport is nil")

	// ErrPayloadTooLarge indicates that a payload exceeds the 16-bit length field
	// of the wire header.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame payload size")

	// ErrCorruptFrame indicates that a frame header carries a structurally
	// impossible value. The wire protocol has no checksum, so this is the only
	// corruption detectable at the framing layer.
	ErrCorruptFrame = errors.New("corrupt frame header")
)

var (
	// ErrConnectFailed indicates that the transport could not establish a link
	// to the camera.
	ErrConnectFailed = errors.New("connect failed")

	// ErrDeviceNotFound indicates that no matching camera appeared within the
	// scan timeout of the chunked transport.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrWriteFailed indicates a transport-level send error. The failed request
	// is not retried.
	ErrWriteFailed = errors.New("transport write failed")

	// ErrConnectionClosed resolves every request still pending when the session
	// closes.
	ErrConnectionClosed = errors.New("connection closed")
)

var (
	// ErrUnmatchedResponse indicates a response frame whose sequence number has no
	// pending entry. It is recoverable: the frame is logged and dropped.
	ErrUnmatchedResponse = errors.New("no pending request for sequence number")

	// ErrUnregisteredMessageType indicates an unsolicited frame whose message type
	// has no registered handler. It is recoverable: the frame is logged and dropped.
	ErrUnregisteredMessageType = errors.New("no handler for message type")

	// ErrResponseTimeout indicates that a pending request exceeded the configured
	// response timeout. A frame arriving for that sequence number afterwards is
	// treated as an unmatched response.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrSendQueueFull indicates that the outbound queue did not accept a frame
	// within the write timeout.
	ErrSendQueueFull = errors.New("outbound queue full")
)

var (
	// ErrInvalidTransition is returned when an attempt is made to transition the
	// session state machine to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotConnectedState indicates that the session is not in the connected state.
	ErrNotConnectedState = errors.New("session is not connected")

	// ErrSessionClosed indicates that the session has already been closed.
	// Sessions are single use.
	ErrSessionClosed = errors.New("session closed")
)

// NeedMoreError reports a decode attempt on a buffer that does not yet hold a
// complete frame. Need is the number of bytes still required before the decode
// can make progress.
type NeedMoreError struct {
	Need int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("incomplete frame: need %d more bytes", e.Need)
}

// IsNeedMore reports whether err is a NeedMoreError.
func IsNeedMore(err error) bool {
	var nm *NeedMoreError
	return errors.As(err, &nm)
}
