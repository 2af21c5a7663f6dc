package udrpc

import (
	"fmt"
	"sync/atomic"

	"github.com/flowmesh/udrpc/alloc"
	"github.com/flowmesh/udrpc/transport"
	"github.com/flowmesh/udrpc/wire"
)

// shadowTagSeq hands out the shadowTag values stamped into every dynamic
// MessageBuffer. It exists solely so the buffer ownership shadow tracker
// (see shadow.go) can tell two buffers apart even after one has been freed
// and its fields zeroed; production code never reads shadowTag.
var shadowTagSeq atomic.Uint64

// MessageBuffer is the unit of request/response storage an Endpoint hands to
// callers and handlers. Its backing storage is laid out as one contiguous
// slice: a run of fixed-size packet header slots, one per constituent
// packet, followed immediately by the contiguous payload region those
// headers describe.
//
//	[ header(0) | header(1) | ... | header(n-1) | payload bytes...       ]
//	 <--- numPkts * wire.HeaderSize --->         <--- capacity for msgSize --->
//
// This groups all header slots together rather than interleaving a header
// before each packet's slice of payload, so Payload always returns one
// contiguous []byte regardless of how many packets the message spans; the
// datapath fills in Header(i) separately when it segments Payload into
// on-wire packets. The protocol design does not pin down a physical layout
// for multi-packet buffers, so this is a resolved design choice (see
// DESIGN.md).
type MessageBuffer struct {
	handle  *alloc.Handle // nil for a "fake", externally-owned buffer
	owner   *alloc.Allocator
	raw     []byte
	numPkts int
	msgSize int // bytes of Payload actually in use

	// shadowTag is an opaque generation counter, unique per dynamic
	// MessageBuffer for the lifetime of the process, used only by the buffer
	// ownership shadow tracker in tests (shadow.go). It is never consulted by
	// the allocator or the datapath.
	shadowTag uint64
}

// newMessageBuffer wraps an allocator handle as a "dynamic" MessageBuffer:
// one the Endpoint allocated and must eventually Release.
func newMessageBuffer(owner *alloc.Allocator, h *alloc.Handle, numPkts, msgSize int) *MessageBuffer {
	return &MessageBuffer{
		handle: h, owner: owner, raw: h.Bytes(), numPkts: numPkts, msgSize: msgSize,
		shadowTag: shadowTagSeq.Add(1),
	}
}

// ShadowTag returns b's ownership-tracking generation counter. It is exported
// only so tests outside this package can key a shadow ownership tracker off
// of it; it has no meaning to production code.
func (b *MessageBuffer) ShadowTag() uint64 { return b.shadowTag }

// PoisonPayload overwrites b's entire payload region with fill. It exists so
// a test's shadow ownership tracker can mark a buffer's storage as freed
// before Release actually returns it to the allocator, turning a
// use-after-free of a slice a caller captured earlier (e.g. via Payload)
// into a visibly corrupted read instead of a silent race. Production code
// never calls this.
func (b *MessageBuffer) PoisonPayload(fill byte) {
	p := b.Payload()
	for i := range p {
		p[i] = fill
	}
}

// Release returns a dynamic MessageBuffer's storage to the Allocator it came
// from. It is a no-op for a fake buffer, so callers may unconditionally defer
// Release on every buffer they receive regardless of its origin.
func (b *MessageBuffer) Release() {
	if b.handle == nil {
		return
	}
	b.owner.Free(b.handle)
	b.handle = nil
	b.raw = nil
}

// NewFakeMessageBuffer wraps caller-owned storage as a "fake" MessageBuffer:
// one that Release never returns to an allocator free list, used by RX
// dispatch for zero-copy handling of single-packet requests and responses,
// and in tests that build a MessageBuffer without an Endpoint.
func NewFakeMessageBuffer(raw []byte, numPkts, msgSize int) (*MessageBuffer, error) {
	need := numPkts*wire.HeaderSize + msgSize
	if len(raw) < need {
		return nil, fmt.Errorf("udrpc: fake message buffer needs %d bytes, got %d", need, len(raw))
	}
	return &MessageBuffer{raw: raw, numPkts: numPkts, msgSize: msgSize}, nil
}

// numPktsFor returns how many wire packets a msgSize-byte payload segments
// into, at transport.KMaxDataPerPkt bytes per packet (minimum one, matching
// the protocol design's "every message, including a zero-length one, occupies
// at least packet 0").
func numPktsFor(msgSize int) int {
	if msgSize == 0 {
		return 1
	}
	return (msgSize + transport.KMaxDataPerPkt - 1) / transport.KMaxDataPerPkt
}

func headerRegionSize(numPkts int) int { return numPkts * wire.HeaderSize }

// IsDynamic reports whether Release returns this buffer's storage to an
// Allocator, as opposed to being a no-op over caller-owned memory.
func (b *MessageBuffer) IsDynamic() bool { return b.handle != nil }

// NumPkts reports how many constituent wire packets this buffer's Payload
// segments into.
func (b *MessageBuffer) NumPkts() int { return b.numPkts }

// MsgSize reports the number of payload bytes currently in use.
func (b *MessageBuffer) MsgSize() int { return b.msgSize }

// Capacity reports the maximum payload size this buffer's backing storage
// can hold without a reallocation.
func (b *MessageBuffer) Capacity() int { return len(b.raw) - headerRegionSize(b.numPkts) }

// Header returns the i'th packet header slot, a HeaderSize-byte slice the
// datapath may freely read and overwrite.
func (b *MessageBuffer) Header(i int) []byte {
	off := i * wire.HeaderSize
	return b.raw[off : off+wire.HeaderSize]
}

// Payload returns the msgSize-byte payload region currently in use.
func (b *MessageBuffer) Payload() []byte {
	off := headerRegionSize(b.numPkts)
	return b.raw[off : off+b.msgSize]
}

// PayloadSlice returns the byte range [start, start+n) of the payload
// region, for segmenting Payload into per-packet chunks of at most
// transport.KMaxDataPerPkt bytes during TX.
func (b *MessageBuffer) PayloadSlice(start, n int) []byte {
	off := headerRegionSize(b.numPkts) + start
	return b.raw[off : off+n]
}

// Resize changes the in-use payload length without reallocating, as long as
// n fits within Capacity and does not change the number of constituent
// packets (a caller that needs more packets must allocate a new buffer).
func (b *MessageBuffer) Resize(n int) error {
	if n > b.Capacity() {
		return &OpError{Code: ErrCodeInvalidMsgSize, Op: "Resize",
			Err: fmt.Errorf("udrpc: %d bytes exceeds buffer capacity %d", n, b.Capacity())}
	}
	if numPktsFor(n) != b.numPkts {
		return &OpError{Code: ErrCodeInvalidMsgSize, Op: "Resize",
			Err: fmt.Errorf("udrpc: %d bytes needs %d packets, buffer has %d", n, numPktsFor(n), b.numPkts)}
	}
	b.msgSize = n
	return nil
}
