package transport

import "testing"

func TestLocalRoundTrip(t *testing.T) {
	a, b := NewLocalPair(RoutingInfo("a"), RoutingInfo("b"))
	defer a.Close()
	defer b.Close()

	payload := []byte("hello, world")
	if err := a.TxBurst([]TxItem{{Payload: payload}}); err != nil {
		t.Fatalf("TxBurst: %v", err)
	}
	got, err := b.RxBurst()
	if err != nil {
		t.Fatalf("RxBurst: %v", err)
	}
	if len(got) != 1 || string(got[0].Data[HeaderSize:]) != string(payload) {
		t.Fatalf("RxBurst = %+v, want one packet %q", got, payload)
	}
}

func TestLocalDropFlag(t *testing.T) {
	a, b := NewLocalPair(RoutingInfo("a"), RoutingInfo("b"))
	defer a.Close()
	defer b.Close()

	if err := a.TxBurst([]TxItem{{Payload: []byte("dropped"), Drop: true}}); err != nil {
		t.Fatalf("TxBurst: %v", err)
	}
	got, err := b.RxBurst()
	if err != nil {
		t.Fatalf("RxBurst: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RxBurst = %+v, want no packets (item was dropped)", got)
	}
}

func TestLocalForceResolveFail(t *testing.T) {
	a, _ := NewLocalPair(RoutingInfo("a"), RoutingInfo("b"))
	defer a.Close()

	if _, err := a.ResolveRoutingInfo([]byte("anything")); err != nil {
		t.Fatalf("ResolveRoutingInfo before fault injection: %v", err)
	}
	a.ForceResolveFail(true)
	if _, err := a.ResolveRoutingInfo([]byte("anything")); err == nil {
		t.Fatal("expected ResolveRoutingInfo to fail after ForceResolveFail(true)")
	}
	a.ForceResolveFail(false)
	if _, err := a.ResolveRoutingInfo([]byte("anything")); err != nil {
		t.Fatalf("ResolveRoutingInfo after clearing fault: %v", err)
	}
}

func TestLocalCongestionDrop(t *testing.T) {
	a, b := NewLocalPair(RoutingInfo("a"), RoutingInfo("b"))
	defer a.Close()
	defer b.Close()

	var items []TxItem
	for i := 0; i < KRecvQueueDepth+10; i++ {
		items = append(items, TxItem{Payload: []byte{byte(i)}})
	}
	if err := a.TxBurst(items); err != nil {
		t.Fatalf("TxBurst: %v", err)
	}
	var total int
	for {
		got, err := b.RxBurst()
		if err != nil {
			t.Fatalf("RxBurst: %v", err)
		}
		if len(got) == 0 {
			break
		}
		total += len(got)
	}
	if total > KRecvQueueDepth {
		t.Fatalf("received %d packets, want at most %d (ring depth)", total, KRecvQueueDepth)
	}
}
