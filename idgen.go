package lwm2m

import (
	"encoding/binary"

	"go.uber.org/atomic"
)

// idGenerator is a lock-free allocator for the identifiers client.go hands
// out when the library acts as a CoAP client rather than a server: the
// Registration Driver's Register/Update requests and the Connection
// Manager's outgoing notifies. atomic.Uint32 lets a retry fired from inside
// a scheduler callback allocate a fresh id without a mutex, matching the
// single-threaded-but-reentrant-from-callbacks concurrency model.
type idGenerator struct {
	msgID       atomic.Uint32
	token       atomic.Uint32
	observeSeq  atomic.Uint32
}

func newIDGenerator() *idGenerator {
	return &idGenerator{}
}

// nextMsgID allocates the next outgoing CoAP message id.
func (g *idGenerator) nextMsgID() uint16 {
	return uint16(g.msgID.Add(1))
}

// nextToken allocates a 4-byte CoAP token.
func (g *idGenerator) nextToken() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], g.token.Add(1))
	return b[:]
}

// nextObserve allocates the next 24-bit Observe option sequence number,
// wrapping per RFC 7641 §4.
func (g *idGenerator) nextObserve() uint32 {
	return g.observeSeq.Add(1) & 0xFFFFFF
}
