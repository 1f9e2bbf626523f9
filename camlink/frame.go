package camlink

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hypoxic/insta360-ble-api/internal/util"
)

const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 12
	// MaxPayloadSize is the largest payload the 16-bit length field can describe.
	MaxPayloadSize = math.MaxUint16

	// MsgTypeReserved is a sentinel message type that never appears on the wire.
	// The decoder treats it as frame corruption.
	MsgTypeReserved = uint16(0xFFFF)
)

// Frame represents one complete header+payload unit of the camera wire protocol.
//
// The header is fixed-width and fixed-order, all fields big-endian:
//
//	msg_id (4 bytes) | seq_no (4 bytes) | msg_type (2 bytes) | payload_length (2 bytes)
//
// followed by exactly payload_length bytes of serialized payload. There is no
// checksum field.
//
// msg_id identifies the semantic operation and is stable across a request and its
// matching response. seq_no is unique among all in-flight requests of a session and
// is the only correlation key. msg_type selects the payload schema of the external
// message catalog; this package never inspects payload contents.
//
// A Frame is immutable once constructed.
type Frame struct {
	msgID   uint32
	seqNo   uint32
	msgType uint16
	payload []byte
}

// NewFrame creates a frame with the given header fields and payload.
//
// The payload is copied, so the caller may reuse its buffer. It returns
// ErrPayloadTooLarge if the payload does not fit the 16-bit length field;
// any payload up to MaxPayloadSize always succeeds.
func NewFrame(msgID uint32, seqNo uint32, msgType uint16, payload []byte) (*Frame, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	return &Frame{
		msgID:   msgID,
		seqNo:   seqNo,
		msgType: msgType,
		payload: util.CloneSlice(payload, 0),
	}, nil
}

// MsgID returns the operation discriminator carried in the header.
func (f *Frame) MsgID() uint32 { return f.msgID }

// SeqNo returns the per-session sequence number of the frame.
func (f *Frame) SeqNo() uint32 { return f.seqNo }

// MsgType returns the message type discriminator that selects the payload schema.
func (f *Frame) MsgType() uint16 { return f.msgType }

// Payload returns the serialized payload bytes. The returned slice must not be
// modified.
func (f *Frame) Payload() []byte { return f.payload }

// Size returns the encoded size of the frame in bytes.
func (f *Frame) Size() int { return HeaderSize + len(f.payload) }

// Encode serializes the frame into wire format.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.payload))
	binary.BigEndian.PutUint32(buf[0:4], f.msgID)
	binary.BigEndian.PutUint32(buf[4:8], f.seqNo)
	binary.BigEndian.PutUint16(buf[8:10], f.msgType)
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(f.payload))) //nolint:gosec
	copy(buf[HeaderSize:], f.payload)

	return buf
}

// Encode serializes the given header fields and payload into wire format.
// It fails only with ErrPayloadTooLarge.
func Encode(msgID uint32, seqNo uint32, msgType uint16, payload []byte) ([]byte, error) {
	frame, err := NewFrame(msgID, seqNo, msgType, payload)
	if err != nil {
		return nil, err
	}

	return frame.Encode(), nil
}

// String returns a short human-readable description of the frame header.
func (f *Frame) String() string {
	return fmt.Sprintf("frame{msg_id=%d seq_no=%d msg_type=0x%04x len=%d}",
		f.msgID, f.seqNo, f.msgType, len(f.payload))
}
