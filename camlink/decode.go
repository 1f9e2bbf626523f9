package camlink

import (
	"encoding/binary"
	"fmt"
)

// Decode attempts to decode a single frame from the prefix of buf.
//
// On success it returns the decoded frame and the number of bytes consumed.
// The payload is copied out of buf, so the caller may reuse or compact the
// buffer immediately.
//
// When buf holds less than a full header, or less than header plus the declared
// payload length, Decode returns a *NeedMoreError whose Need field is the number
// of bytes still required.
//
// Decode returns ErrCorruptFrame only for structurally impossible header values
// (the reserved message type sentinel). The protocol has no checksum; payload
// corruption below that level is undetectable at this layer.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, &NeedMoreError{Need: HeaderSize - len(buf)}
	}

	msgType := binary.BigEndian.Uint16(buf[8:10])
	if msgType == MsgTypeReserved {
		return nil, 0, fmt.Errorf("%w: reserved msg_type 0x%04x", ErrCorruptFrame, msgType)
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[10:12]))
	total := HeaderSize + payloadLen
	if len(buf) < total {
		return nil, 0, &NeedMoreError{Need: total - len(buf)}
	}

	frame, err := NewFrame(
		binary.BigEndian.Uint32(buf[0:4]),
		binary.BigEndian.Uint32(buf[4:8]),
		msgType,
		buf[HeaderSize:total],
	)
	if err != nil {
		// unreachable: payloadLen fits in 16 bits
		return nil, 0, err
	}

	return frame, total, nil
}
