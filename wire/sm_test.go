package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSMPacketRoundTrip(t *testing.T) {
	p := SMPacket{
		Kind:           SMConnectReq,
		SrcEndpointID:  3,
		DestEndpointID: 9,
		SrcSessionNum:  7,
		SrcSessionGen:  42,
		DestSessionNum: 0,
		GenToken:       [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		ErrorCode:      SMOK,
		SrcHost:        "node-a.dc1",
		RoutingInfo:    []byte{0xde, 0xad, 0xbe, 0xef},
	}
	got, err := DecodeSM(p.Encode())
	if err != nil {
		t.Fatalf("DecodeSM: %v", err)
	}
	if diff := cmp.Diff(&p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSMPacketNoRoutingInfo(t *testing.T) {
	p := SMPacket{Kind: SMDisconnectReq, SrcHost: "h"}
	got, err := DecodeSM(p.Encode())
	if err != nil {
		t.Fatalf("DecodeSM: %v", err)
	}
	if len(got.RoutingInfo) != 0 {
		t.Errorf("RoutingInfo = %v, want empty", got.RoutingInfo)
	}
}

func TestDecodeSMTruncated(t *testing.T) {
	if _, err := DecodeSM(nil); err == nil {
		t.Fatal("expected error decoding empty buffer")
	}
	p := SMPacket{SrcHost: "abc"}
	enc := p.Encode()
	if _, err := DecodeSM(enc[:len(enc)-2]); err == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}

func TestSMKindAndErrorStrings(t *testing.T) {
	if SMConnectReq.String() != "CONNECT_REQ" {
		t.Errorf("unexpected SMKind string: %s", SMConnectReq.String())
	}
	if SMTooManySessions.String() != "TOO_MANY_SESSIONS" {
		t.Errorf("unexpected SMErrorCode string: %s", SMTooManySessions.String())
	}
}
