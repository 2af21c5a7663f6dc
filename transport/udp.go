package transport

import (
	"fmt"
	"net"
	"sync"
)

// UDP is a Transport driver backed by a single UDP socket. UDP datagrams are
// delivered best-effort by the kernel and network, which makes this the one
// stdlib-native transport whose loss behavior genuinely resembles the
// "lossy packet transport" the spec targets, as opposed to TCP's reliable
// byte stream.
//
// The receive side runs a background goroutine that reads datagrams into a
// bounded channel standing in for the pre-posted receive ring; RxBurst only
// ever drains that channel, so the Endpoint's datapath thread never blocks
// on socket I/O.
type UDP struct {
	conn *net.UDPConn
	ring chan RxPacket

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDP binds a UDP socket at localAddr (host:port, "" host means all
// interfaces) and starts the background receive-ring filler.
func NewUDP(localAddr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	u := &UDP{
		conn: conn,
		ring: make(chan RxPacket, KRecvQueueDepth),
		done: make(chan struct{}),
	}
	go u.fillRing()
	return u, nil
}

func (u *UDP) fillRing() {
	buf := make([]byte, wireMTU)
	for {
		n, raddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.done:
			default:
			}
			return
		}
		pkt := RxPacket{
			Data: append([]byte(nil), buf[:n]...),
			From: RoutingInfo(raddr.String()),
		}
		select {
		case u.ring <- pkt:
		default:
			// Ring full: drop, same as a transport-level loss.
		}
	}
}

// wireMTU bounds a single UDP datagram: a header plus KMaxDataPerPkt of
// payload, with slack for IP/UDP framing handled by the kernel.
const wireMTU = HeaderSize + KMaxDataPerPkt

// TxBurst implements Transport.
func (u *UDP) TxBurst(items []TxItem) error {
	for _, it := range items {
		if it.Drop {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", string(it.Routing))
		if err != nil {
			return fmt.Errorf("transport: resolve peer addr: %w", err)
		}
		dgram := make([]byte, HeaderSize+len(it.Payload))
		copy(dgram, it.Header[:])
		copy(dgram[HeaderSize:], it.Payload)
		if _, err := u.conn.WriteTo(dgram, addr); err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
	}
	return nil
}

// RxBurst implements Transport.
func (u *UDP) RxBurst() ([]RxPacket, error) {
	var out []RxPacket
	for len(out) < KPostlist {
		select {
		case pkt := <-u.ring:
			out = append(out, pkt)
		default:
			return out, nil
		}
	}
	return out, nil
}

// PostRecvs implements Transport. The background fillRing goroutine keeps the
// ring replenished continuously, so this is a no-op.
func (u *UDP) PostRecvs(count int) error { return nil }

// ResolveRoutingInfo implements Transport: raw is interpreted as a host:port
// string.
func (u *UDP) ResolveRoutingInfo(raw []byte) (RoutingInfo, error) {
	addr, err := net.ResolveUDPAddr("udp", string(raw))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid peer address %q: %w", raw, err)
	}
	return RoutingInfo(addr.String()), nil
}

// LocalRoutingInfo implements Transport.
func (u *UDP) LocalRoutingInfo() RoutingInfo {
	return RoutingInfo(u.conn.LocalAddr().String())
}

// Close implements Transport.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() { close(u.done) })
	return u.conn.Close()
}
