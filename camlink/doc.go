// Package camlink implements the asynchronous communication engine used to talk to an
// Insta360 camera over an interchangeable transport.
//
// The engine turns raw transport bytes into addressable request/response traffic:
//
//   - Frame is one header+payload unit of the camera wire protocol (12-byte header,
//     no checksum), encoded and decoded by this package without any I/O.
//   - Reassembler reconstructs whole frames from the arbitrarily sized chunks a
//     Transport delivers, since neither transport aligns deliveries to frame boundaries.
//   - Sequencer issues per-session sequence numbers and owns the pending-request
//     table that correlates responses with their requests.
//   - Session is the public facade. It owns one Transport, runs the sender and
//     receiver workers for its lifetime, and exposes a non-blocking Send that
//     returns a completion handle, plus a handler registry for unsolicited
//     camera notifications.
//
// Payload contents are opaque to this package; serialization of individual message
// types is the concern of an external message catalog keyed by the frame's message
// type discriminator.
//
// A Session is single use. Closing it resolves every outstanding request with
// ErrConnectionClosed and releases the transport; recovering from a dropped link
// means opening a new Session on a new Transport.
package camlink
