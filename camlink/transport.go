package camlink

import "context"

// Transport abstracts the link to the camera behind a single capability set.
//
// Two implementations exist: a stream transport over one TCP connection, and a
// chunked transport over BLE GATT characteristic I/O. The delivery unit of a
// transport carries no frame alignment guarantee; the session's Reassembler
// restores frame boundaries above it.
//
// A Transport instance belongs to exactly one Session and must not be reused
// after Close.
type Transport interface {
	// Connect establishes the link to the camera. Implementations honor the
	// deadline of ctx and fail with an error wrapping ErrConnectFailed, or
	// ErrDeviceNotFound when device discovery times out.
	Connect(ctx context.Context) error

	// Send writes the given bytes to the camera. A chunked transport may split
	// the write into multiple transfer-unit sized sub-writes. Errors wrap
	// ErrWriteFailed.
	Send(p []byte) error

	// Recv blocks until the next raw chunk arrives and returns it. The returned
	// slice is owned by the caller. Recv returns an error after Close or when
	// the link is lost.
	Recv() ([]byte, error)

	// Close terminates the link. It is idempotent and always succeeds.
	Close() error

	// Info returns a human-readable description of the link.
	Info() string
}
