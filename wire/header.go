// Package wire defines the on-the-wire packet formats used by the udrpc
// datapath: the fixed 16-byte datapath packet header and the session
// management (SM) packet framing exchanged through the broker.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size in bytes of a datapath packet header.
const HeaderSize = 16

// Field width constants, named to match the bit-exact layout in the
// protocol design (§6 of the design document).
const (
	MsgSizeBits = 24
	PktNumBits  = 13
	ReqNumBits  = 44
	SessGenBits = 12 // carved from the 56-bit req_num region's 12 previously-unused low bits

	MaxMsgSize = 1<<MsgSizeBits - 1
	MaxPktNum  = 1<<PktNumBits - 1
	MaxReqNum  = 1<<ReqNumBits - 1
	MaxSessGen = 1<<SessGenBits - 1
)

// Magic is the fixed constant stamped into the zeroth header of a freshly
// allocated MessageBuffer, and checked on every received packet.
const Magic byte = 0x27

// PktType tags the structural kind of a datapath packet.
type PktType byte

const (
	PktRequest  PktType = 0 // REQ
	PktResponse PktType = 1 // RESP
	PktCR       PktType = 2 // EXPL_CR: explicit credit return
	PktRFR      PktType = 3 // RFR: request-for-response
)

func (t PktType) String() string {
	switch t {
	case PktRequest:
		return "REQ"
	case PktResponse:
		return "RESP"
	case PktCR:
		return "CR"
	case PktRFR:
		return "RFR"
	default:
		return fmt.Sprintf("PKT(%d)", byte(t))
	}
}

// IsControl reports whether t is a header-only control packet type (CR or
// RFR), which carries no payload and bypasses the deferred TX queue.
func (t PktType) IsControl() bool { return t == PktCR || t == PktRFR }

// Header is the parsed form of a 16-byte datapath packet header.
//
//	magic             8 bits
//	req_type          8 bits
//	msg_size         24 bits
//	dest_session_num 16 bits
//	pkt_type          3 bits  \
//	pkt_num          13 bits   > packed into bytes 7-8
//	req_num          44 bits  \ packed into bytes 9-15
//	sess_gen         12 bits  / (the region's 12 bits of slack)
//
// sess_gen discriminates a dest_session_num value across reuse: a session
// number is recycled once its session is torn down, so a stale packet
// addressed to a slot that has since been reassigned to a new session would
// otherwise be indistinguishable from traffic belonging to the new
// occupant. Both endpoints exchange each other's current sess_gen for a
// session number at CONNECT_REQ/CONNECT_RESP time (see wire.SMPacket) and
// stamp it on every datapath packet addressed to that number thereafter.
type Header struct {
	Magic          byte
	ReqType        byte
	MsgSize        uint32 // total payload size in bytes, 24-bit field
	DestSessionNum uint16
	PktType        PktType
	PktNum         uint16 // 13-bit field
	ReqNum         uint64 // 44-bit field
	SessGen        uint16 // 12-bit field
}

// Validate reports whether h's field values fit within their declared widths.
func (h Header) Validate() error {
	if h.MsgSize > MaxMsgSize {
		return fmt.Errorf("wire: msg_size %d exceeds %d bits", h.MsgSize, MsgSizeBits)
	}
	if h.PktNum > MaxPktNum {
		return fmt.Errorf("wire: pkt_num %d exceeds %d bits", h.PktNum, PktNumBits)
	}
	if h.ReqNum > MaxReqNum {
		return fmt.Errorf("wire: req_num %d exceeds %d bits", h.ReqNum, ReqNumBits)
	}
	if h.SessGen > MaxSessGen {
		return fmt.Errorf("wire: sess_gen %d exceeds %d bits", h.SessGen, SessGenBits)
	}
	return nil
}

// Encode writes h into the first HeaderSize bytes of buf in the protocol's
// bit-exact layout. It panics if len(buf) < HeaderSize; callers own the
// headroom accounting that guarantees this.
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1] // bounds check hint
	buf[0] = h.Magic
	buf[1] = h.ReqType
	putUint24(buf[2:5], h.MsgSize)
	binary.BigEndian.PutUint16(buf[5:7], h.DestSessionNum)
	binary.BigEndian.PutUint16(buf[7:9], uint16(h.PktType)<<13|h.PktNum)
	putUint56(buf[9:16], h.ReqNum<<12|uint64(h.SessGen&MaxSessGen))
}

// Decode parses a Header from the first HeaderSize bytes of buf. It reports
// an error if buf is too short or the magic byte does not match.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d < %d bytes)", len(buf), HeaderSize)
	}
	var h Header
	h.Magic = buf[0]
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("wire: bad magic 0x%02x", h.Magic)
	}
	h.ReqType = buf[1]
	h.MsgSize = getUint24(buf[2:5])
	h.DestSessionNum = binary.BigEndian.Uint16(buf[5:7])
	v16 := binary.BigEndian.Uint16(buf[7:9])
	h.PktType = PktType(v16 >> 13)
	h.PktNum = v16 & MaxPktNum
	raw56 := getUint56(buf[9:16])
	h.ReqNum = raw56 >> 12
	h.SessGen = uint16(raw56 & MaxSessGen)
	return h, nil
}

// StampMagic writes just the magic byte into buf[0], for use when
// initializing the zeroth header of a freshly allocated buffer without
// otherwise disturbing it.
func StampMagic(buf []byte) { buf[0] = Magic }

// CheckMagic reports whether buf begins with a valid magic byte.
func CheckMagic(buf []byte) bool { return len(buf) > 0 && buf[0] == Magic }

func putUint24(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint56(b []byte, v uint64) {
	_ = b[6]
	for i := 0; i < 7; i++ {
		b[i] = byte(v >> (48 - 8*i))
	}
}

func getUint56(b []byte) uint64 {
	_ = b[6]
	var v uint64
	for i := 0; i < 7; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
