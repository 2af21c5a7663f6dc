package wire

import (
	"encoding/binary"
	"fmt"
)

// SMKind tags the structural kind of a session-management packet.
type SMKind byte

const (
	SMConnectReq     SMKind = 0
	SMConnectResp    SMKind = 1
	SMDisconnectReq  SMKind = 2
	SMDisconnectResp SMKind = 3
)

func (k SMKind) String() string {
	switch k {
	case SMConnectReq:
		return "CONNECT_REQ"
	case SMConnectResp:
		return "CONNECT_RESP"
	case SMDisconnectReq:
		return "DISCONNECT_REQ"
	case SMDisconnectResp:
		return "DISCONNECT_RESP"
	default:
		return fmt.Sprintf("SM(%d)", byte(k))
	}
}

// SMErrorCode reports the outcome of a CONNECT_RESP or DISCONNECT_RESP.
type SMErrorCode byte

const (
	SMOK                        SMErrorCode = 0
	SMTooManySessions           SMErrorCode = 1
	SMRoutingResolutionFailed   SMErrorCode = 2
	SMInvalidRemoteEndpoint     SMErrorCode = 3
	SMSessionNotFound           SMErrorCode = 4
)

func (c SMErrorCode) String() string {
	switch c {
	case SMOK:
		return "OK"
	case SMTooManySessions:
		return "TOO_MANY_SESSIONS"
	case SMRoutingResolutionFailed:
		return "ROUTING_RESOLUTION_FAILED"
	case SMInvalidRemoteEndpoint:
		return "INVALID_REMOTE_ENDPOINT"
	case SMSessionNotFound:
		return "SESSION_NOT_FOUND"
	default:
		return fmt.Sprintf("SMErr(%d)", byte(c))
	}
}

// SMPacket is the wire format for a session-management packet relayed by the
// broker between two endpoints, possibly on different hosts.
//
// Encoding (all integers big-endian):
//
//	1 byte   kind
//	1 byte   src endpoint id
//	1 byte   dest endpoint id
//	2 bytes  src session num
//	2 bytes  src session generation (sess_gen the sender will expect on
//	         datapath packets addressed to src session num from now on)
//	2 bytes  dest session num (0 on CONNECT_REQ, set by the acceptor thereafter)
//	16 bytes generation token (a v4 UUID)
//	1 byte   error code (CONNECT_RESP / DISCONNECT_RESP only, else 0)
//	1 byte   src host length prefix
//	N bytes  src host
//	2 bytes  routing info length prefix
//	M bytes  routing info blob (present on CONNECT_REQ and ok CONNECT_RESP)
type SMPacket struct {
	Kind           SMKind
	SrcEndpointID  byte
	DestEndpointID byte
	SrcSessionNum  uint16
	SrcSessionGen  uint16
	DestSessionNum uint16
	GenToken       [16]byte
	ErrorCode      SMErrorCode
	SrcHost        string
	RoutingInfo    []byte
}

// Encode serializes p in binary form.
func (p SMPacket) Encode() []byte {
	buf := make([]byte, 0, 26+len(p.SrcHost)+len(p.RoutingInfo))
	buf = append(buf, byte(p.Kind), p.SrcEndpointID, p.DestEndpointID)
	buf = binary.BigEndian.AppendUint16(buf, p.SrcSessionNum)
	buf = binary.BigEndian.AppendUint16(buf, p.SrcSessionGen)
	buf = binary.BigEndian.AppendUint16(buf, p.DestSessionNum)
	buf = append(buf, p.GenToken[:]...)
	buf = append(buf, byte(p.ErrorCode))
	if len(p.SrcHost) > 255 {
		panic("wire: src host name too long")
	}
	buf = append(buf, byte(len(p.SrcHost)))
	buf = append(buf, p.SrcHost...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.RoutingInfo)))
	buf = append(buf, p.RoutingInfo...)
	return buf
}

// DecodeSM parses an SMPacket from its binary encoding.
func DecodeSM(data []byte) (*SMPacket, error) {
	const fixedLen = 1 + 1 + 1 + 2 + 2 + 2 + 16 + 1 + 1
	if len(data) < fixedLen {
		return nil, fmt.Errorf("wire: short SM packet (%d bytes)", len(data))
	}
	p := &SMPacket{
		Kind:           SMKind(data[0]),
		SrcEndpointID:  data[1],
		DestEndpointID: data[2],
	}
	p.SrcSessionNum = binary.BigEndian.Uint16(data[3:5])
	p.SrcSessionGen = binary.BigEndian.Uint16(data[5:7])
	p.DestSessionNum = binary.BigEndian.Uint16(data[7:9])
	copy(p.GenToken[:], data[9:25])
	p.ErrorCode = SMErrorCode(data[25])
	hostLen := int(data[26])
	off := 27
	if len(data) < off+hostLen+2 {
		return nil, fmt.Errorf("wire: truncated SM host field")
	}
	p.SrcHost = string(data[off : off+hostLen])
	off += hostLen
	riLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+riLen {
		return nil, fmt.Errorf("wire: truncated SM routing info")
	}
	if riLen > 0 {
		p.RoutingInfo = append([]byte(nil), data[off:off+riLen]...)
	}
	return p, nil
}
