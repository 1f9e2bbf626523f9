package camlink

import (
	"errors"
)

// Reassembler reconstructs whole frames from the raw chunks a Transport delivers.
//
// Neither transport guarantees one frame per delivery unit: the stream transport
// yields arbitrarily sized reads, and the chunked transport may split one frame
// across many notification chunks or coalesce several frames into one delivery.
// The reassembler appends every chunk to a growable buffer and drains complete
// frames from its prefix, so frames are emitted one at a time in the exact byte
// order received.
//
// Reassembler is not goroutine-safe. It is owned by the receiver worker of a
// session, which is the only caller.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Push appends chunk to the reassembly buffer and returns every complete frame
// now available, in wire order.
//
// A corrupt frame header is returned as an error wrapping ErrCorruptFrame. The
// protocol has no resynchronization marker, so the buffer contents are
// unrecoverable at that point and the caller should treat the link as lost.
func (r *Reassembler) Push(chunk []byte) ([]*Frame, error) {
	r.buf = append(r.buf, chunk...)

	var frames []*Frame
	for {
		frame, consumed, err := Decode(r.buf)
		if err != nil {
			if IsNeedMore(err) {
				break
			}
			if errors.Is(err, ErrCorruptFrame) {
				return frames, err
			}
			return frames, err
		}

		frames = append(frames, frame)
		r.buf = r.buf[consumed:]
	}

	// release the backing array once fully drained
	if len(r.buf) == 0 {
		r.buf = nil
	}

	return frames, nil
}

// Pending returns the number of buffered bytes not yet forming a complete frame.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards all buffered bytes. It is called on disconnect so a stale
// partial frame never bleeds into a later read.
func (r *Reassembler) Reset() {
	r.buf = nil
}
