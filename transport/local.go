package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Local is an in-memory Transport implementation connecting exactly two
// endpoints via a pair of buffered channels, standing in for a pre-posted
// receive ring. It is the direct analogue of a loopback verbs queue pair,
// and is what udrpctest uses to wire up endpoint pairs for unit tests.
//
// A full receive buffer causes TxBurst to silently discard the item, which
// is a faithful (if crude) model of a lossy transport under congestion; it
// also makes the loss detector exercisable without a dedicated fault.
type Local struct {
	out       chan<- []byte
	in        <-chan []byte
	localInfo RoutingInfo

	mu          sync.Mutex
	closed      bool
	resolveFail atomic.Bool
}

// NewLocalPair creates two connected Local transports. Packets sent on A
// arrive on B and vice versa. idA and idB are the routing info each side
// reports as its own (LocalRoutingInfo).
func NewLocalPair(idA, idB RoutingInfo) (a, b *Local) {
	a2b := make(chan []byte, KRecvQueueDepth)
	b2a := make(chan []byte, KRecvQueueDepth)
	a = &Local{out: a2b, in: b2a, localInfo: idA}
	b = &Local{out: b2a, in: a2b, localInfo: idB}
	return a, b
}

// TxBurst implements Transport.
func (l *Local) TxBurst(items []TxItem) error {
	for _, it := range items {
		if it.Drop {
			continue
		}
		pkt := make([]byte, HeaderSize+len(it.Payload))
		copy(pkt, it.Header[:])
		copy(pkt[HeaderSize:], it.Payload)
		select {
		case l.out <- pkt:
		default:
			// Receive ring full: simulate a dropped packet under congestion.
		}
	}
	return nil
}

// RxBurst implements Transport.
func (l *Local) RxBurst() ([]RxPacket, error) {
	var out []RxPacket
	for len(out) < KPostlist {
		select {
		case pkt, ok := <-l.in:
			if !ok {
				if len(out) == 0 {
					return nil, errors.New("transport: local channel closed")
				}
				return out, nil
			}
			out = append(out, RxPacket{Data: pkt})
		default:
			return out, nil
		}
	}
	return out, nil
}

// PostRecvs implements Transport. The in-memory driver needs no replenishment
// since Go channels do not require re-posting receive buffers; this is a
// bookkeeping no-op kept to satisfy the interface contract.
func (l *Local) PostRecvs(count int) error { return nil }

// ResolveRoutingInfo implements Transport. For the local driver the raw bytes
// already are the routing info.
func (l *Local) ResolveRoutingInfo(raw []byte) (RoutingInfo, error) {
	if l.resolveFail.Load() {
		return nil, fmt.Errorf("transport: routing resolution forced to fail")
	}
	return RoutingInfo(append([]byte(nil), raw...)), nil
}

// LocalRoutingInfo implements Transport.
func (l *Local) LocalRoutingInfo() RoutingInfo { return l.localInfo }

// Close implements Transport.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return nil
}

// ForceResolveFail is a fault-injection hook: when enabled, subsequent calls
// to ResolveRoutingInfo fail until disabled again.
func (l *Local) ForceResolveFail(on bool) { l.resolveFail.Store(on) }
