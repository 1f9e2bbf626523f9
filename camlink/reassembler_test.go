package camlink

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembler_SingleChunk(t *testing.T) {
	require := require.New(t)

	frame, err := NewFrame(7, 1, 0x10, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(err)

	asm := NewReassembler()

	frames, err := asm.Push(frame.Encode())
	require.NoError(err)
	require.Len(frames, 1)
	require.Equal(frame.SeqNo(), frames[0].SeqNo())
	require.Equal(frame.Payload(), frames[0].Payload())
	require.Zero(asm.Pending())
}

func TestReassembler_FixedSplits(t *testing.T) {
	require := require.New(t)

	// a 40-byte frame delivered as 16, 16 and 8 byte chunks
	frame, err := NewFrame(3, 9, 0x20, make([]byte, 28))
	require.NoError(err)

	encoded := frame.Encode()
	require.Len(encoded, 40)

	asm := NewReassembler()

	frames, err := asm.Push(encoded[:16])
	require.NoError(err)
	require.Empty(frames)
	require.Equal(16, asm.Pending())

	frames, err = asm.Push(encoded[16:32])
	require.NoError(err)
	require.Empty(frames)

	frames, err = asm.Push(encoded[32:])
	require.NoError(err)
	require.Len(frames, 1)
	require.Equal(uint32(9), frames[0].SeqNo())
	require.Equal(uint16(0x20), frames[0].MsgType())
	require.Zero(asm.Pending())
}

func TestReassembler_ByteAtATime(t *testing.T) {
	require := require.New(t)

	frame, err := NewFrame(1, 2, 0x30, []byte{0x01, 0x02, 0x03})
	require.NoError(err)

	asm := NewReassembler()
	encoded := frame.Encode()

	for i := 0; i < len(encoded)-1; i++ {
		frames, err := asm.Push(encoded[i : i+1])
		require.NoError(err)
		require.Empty(frames, "byte %d", i)
	}

	frames, err := asm.Push(encoded[len(encoded)-1:])
	require.NoError(err)
	require.Len(frames, 1)
	require.Equal(frame.Payload(), frames[0].Payload())
}

func TestReassembler_CoalescedFrames(t *testing.T) {
	require := require.New(t)

	first, err := NewFrame(1, 1, 0x10, []byte{0xAA})
	require.NoError(err)
	second, err := NewFrame(2, 2, 0x20, []byte{0xBB, 0xCC})
	require.NoError(err)

	buf := append(first.Encode(), second.Encode()...)

	asm := NewReassembler()

	frames, err := asm.Push(buf)
	require.NoError(err)
	require.Len(frames, 2)
	require.Equal(uint32(1), frames[0].SeqNo())
	require.Equal(uint32(2), frames[1].SeqNo())
	require.Zero(asm.Pending())
}

func TestReassembler_ArbitraryChunking(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))

	var wire []byte

	const frameCount = 50
	for i := 0; i < frameCount; i++ {
		payload := make([]byte, rng.Intn(200))
		rng.Read(payload)

		frame, err := NewFrame(uint32(i), uint32(i+1), uint16(i%100), payload)
		require.NoError(err)

		wire = append(wire, frame.Encode()...)
	}

	asm := NewReassembler()

	var got []*Frame
	for len(wire) > 0 {
		n := 1 + rng.Intn(64)
		if n > len(wire) {
			n = len(wire)
		}

		frames, err := asm.Push(wire[:n])
		require.NoError(err)

		got = append(got, frames...)
		wire = wire[n:]
	}

	require.Len(got, frameCount)
	for i, frame := range got {
		require.Equal(uint32(i+1), frame.SeqNo(), "frame %d out of order", i)
	}
	require.Zero(asm.Pending())
}

func TestReassembler_CorruptAfterGoodFrame(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	good, err := NewFrame(1, 1, 0x10, []byte{0xAA})
	require.NoError(err)

	corrupt := []byte{
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x02,
		0xFF, 0xFF,
		0x00, 0x00,
	}

	asm := NewReassembler()

	// the good frame preceding the corrupt header is still delivered
	frames, err := asm.Push(append(good.Encode(), corrupt...))
	assert.ErrorIs(err, ErrCorruptFrame)
	require.Len(frames, 1)
	assert.Equal(uint32(1), frames[0].SeqNo())
}

func TestReassembler_Reset(t *testing.T) {
	require := require.New(t)

	frame, err := NewFrame(1, 1, 0x10, []byte{0xAA, 0xBB})
	require.NoError(err)

	asm := NewReassembler()

	_, err = asm.Push(frame.Encode()[:5])
	require.NoError(err)
	require.Equal(5, asm.Pending())

	asm.Reset()
	require.Zero(asm.Pending())

	// a fresh frame decodes cleanly after the stale prefix is dropped
	frames, err := asm.Push(frame.Encode())
	require.NoError(err)
	require.Len(frames, 1)
}
