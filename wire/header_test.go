package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []Header{
		{Magic: Magic, ReqType: 7, MsgSize: 5, DestSessionNum: 1, PktType: PktRequest, PktNum: 0, ReqNum: 0},
		{Magic: Magic, ReqType: 255, MsgSize: MaxMsgSize, DestSessionNum: 0xffff, PktType: PktResponse, PktNum: MaxPktNum, ReqNum: MaxReqNum},
		{Magic: Magic, ReqType: 0, MsgSize: 1024, DestSessionNum: 42, PktType: PktCR, PktNum: 3, ReqNum: 8},
		{Magic: Magic, ReqType: 0, MsgSize: 0, DestSessionNum: 42, PktType: PktRFR, PktNum: 1, ReqNum: 16},
		{Magic: Magic, ReqType: 3, MsgSize: 9, DestSessionNum: 7, PktType: PktRequest, PktNum: 0, ReqNum: 5, SessGen: MaxSessGen},
	}
	for _, h := range tests {
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(h, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x00
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestHeaderShort(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestHeaderValidate(t *testing.T) {
	h := Header{MsgSize: MaxMsgSize + 1}
	if err := h.Validate(); err == nil {
		t.Fatal("expected validation error for oversized msg_size")
	}
	h = Header{PktNum: MaxPktNum + 1}
	if err := h.Validate(); err == nil {
		t.Fatal("expected validation error for oversized pkt_num")
	}
	h = Header{ReqNum: MaxReqNum + 1}
	if err := h.Validate(); err == nil {
		t.Fatal("expected validation error for oversized req_num")
	}
	h = Header{SessGen: MaxSessGen + 1}
	if err := h.Validate(); err == nil {
		t.Fatal("expected validation error for oversized sess_gen")
	}
}

func TestPktTypeIsControl(t *testing.T) {
	for pt, want := range map[PktType]bool{
		PktRequest:  false,
		PktResponse: false,
		PktCR:       true,
		PktRFR:      true,
	} {
		if got := pt.IsControl(); got != want {
			t.Errorf("%v.IsControl() = %v, want %v", pt, got, want)
		}
	}
}
