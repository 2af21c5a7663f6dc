// Package transport defines the datapath transport adapter contract used by
// an Endpoint, along with two concrete drivers: an in-memory loopback
// transport for tests, and a UDP transport for real multi-process use.
//
// A real RDMA/DPDK verbs driver is explicitly out of scope (see spec.md
// non-goals); the interface here is what such a driver would implement.
package transport

import "context"

// Tunables shared by all drivers, named to match the protocol design.
const (
	// KMaxDataPerPkt is the maximum payload bytes carried by one packet,
	// exclusive of the packet header.
	KMaxDataPerPkt = 1024

	// KPostlist is the maximum number of items accepted by a single TxBurst
	// or returned by a single RxBurst call.
	KPostlist = 16

	// KRecvQueueDepth is the depth of the pre-posted receive ring.
	KRecvQueueDepth = 512
)

// RoutingInfo is an opaque, transport-specific blob identifying how to reach
// a remote endpoint: e.g., a queue-pair identifier for RDMA, or a UDP address
// for the UDP driver. It is exchanged during session establishment.
type RoutingInfo []byte

// TxItem names one packet to place on the wire in a burst. Header and
// Payload are a two-element scatter/gather list, matching how a real NIC
// posts a header-plus-data send without requiring the two to be contiguous
// in memory; Payload is empty for header-only control packets (CR, RFR).
type TxItem struct {
	Routing RoutingInfo
	Header  [HeaderSize]byte
	Payload []byte
	Drop    bool // honored by the fault injector: silently discard this item
}

// HeaderSize is the fixed size in bytes of a datapath packet header. It is
// duplicated from wire.HeaderSize (rather than imported) so that transport
// has no dependency on packet framing semantics, only on the header's size.
const HeaderSize = 16

// RxPacket is one received packet, aliasing a slot of the pre-posted receive
// ring. The caller must not retain Data past the next PostRecvs call that
// recycles this ring slot.
type RxPacket struct {
	Data []byte
	From RoutingInfo
}

// Transport is the capability interface an Endpoint depends on to move
// packets. Implementations must support a single concurrent sender and a
// single concurrent receiver (the Endpoint serializes both onto its owning
// thread), matching the cooperative single-threaded datapath model.
type Transport interface {
	// TxBurst posts up to KPostlist items to the wire. Completion is
	// asynchronous and unobservable; the protocol layer is self-reliable
	// above this interface.
	TxBurst(items []TxItem) error

	// RxBurst polls for newly arrived packets, returning at most KPostlist.
	// The returned slice aliases transport-owned ring memory until the next
	// PostRecvs call.
	RxBurst() ([]RxPacket, error)

	// PostRecvs replenishes count receive ring slots that were drained by a
	// prior RxBurst, keeping the ring depth constant.
	PostRecvs(count int) error

	// ResolveRoutingInfo turns a transport-specific raw descriptor (as
	// exchanged in an SM packet) into a RoutingInfo usable for TxBurst, or
	// reports a resolution failure.
	ResolveRoutingInfo(raw []byte) (RoutingInfo, error)

	// LocalRoutingInfo returns this endpoint's own routing info, to be sent
	// to a remote peer during session establishment.
	LocalRoutingInfo() RoutingInfo

	// Close releases any resources held by the transport.
	Close() error
}

// Dialer is implemented by transports that support establishing an
// out-of-band control connection to a remote host (used by the broker's SM
// relay). Neither shipped driver (Local, UDP) implements it; the broker
// dials peer brokers through its own dial function.
type Dialer interface {
	DialControl(ctx context.Context, host string) (ControlConn, error)
}

// ControlConn is a byte-oriented duplex connection used by the broker to
// relay SM packets to a remote host's broker.
type ControlConn interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}
