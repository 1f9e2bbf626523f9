package camlink

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
)

// msgIDGenerator is a singleton that generates unique message IDs for outgoing frames.
//
// It uses a cryptographically secure random number generator to initialize the starting
// ID and atomically increments the ID to ensure uniqueness in concurrent environments.
//
// Message IDs identify the semantic operation of an exchange; response correlation
// itself is done by sequence number, so IDs only need to be unique, not ordered.
type msgIDGenerator struct {
	id atomic.Uint32
}

func newMsgIDGenerator() *msgIDGenerator {
	inst := &msgIDGenerator{}
	var buf [4]byte
	_, err := io.ReadFull(rand.Reader, buf[:])
	if err != nil {
		return inst
	}
	inst.id.Store(binary.LittleEndian.Uint32(buf[:]))
	return inst
}

func (m *msgIDGenerator) genID() uint32 {
	return m.id.Add(1)
}

var (
	genInst = &msgIDGenerator{}
	once    sync.Once
)

func getMsgIDGenerator() *msgIDGenerator {
	once.Do(func() {
		genInst = newMsgIDGenerator()
	})
	return genInst
}

// GenerateMsgID returns a unique message ID as a uint32.
func GenerateMsgID() uint32 {
	return getMsgIDGenerator().genID()
}
