package udrpc

import (
	"time"

	"github.com/flowmesh/udrpc/transport"
	"github.com/flowmesh/udrpc/wire"
)

// enqueueTxItem appends one packet to the deferred send queue, flushed in
// KPostlist-sized bursts by flushTxQueue at the TX-draining step of the next
// event-loop iteration. Only request and response data packets go through this queue;
// header-only control packets use sendImmediate instead (see the protocol
// design's §4.E: CR/RFR bypass the deferred queue).
func (e *Endpoint) enqueueTxItem(routing transport.RoutingInfo, header []byte, payload []byte) {
	var item transport.TxItem
	item.Routing = routing
	copy(item.Header[:], header)
	item.Payload = payload
	item.Drop = e.maybeDropForFault()
	e.txScratch = append(e.txScratch, item)
}

// sendImmediate places one header-only control packet (CR or RFR) directly
// on the wire via a single-item burst, so it never waits behind a
// rate-limited or queued datapath slot.
func (e *Endpoint) sendImmediate(routing transport.RoutingInfo, header []byte) error {
	item := transport.TxItem{Routing: routing, Drop: e.maybeDropForFault()}
	copy(item.Header[:], header)
	return e.tr.TxBurst([]transport.TxItem{item})
}

// flushTxQueue drains the deferred send queue in bursts of at most
// transport.KPostlist items, each burst first cleared against txLimiter
// (golang.org/x/time/rate) so a pathological producer cannot exceed a
// configured burst rate. The check is non-blocking (AllowN): an
// over-budget burst is simply deferred to a later event-loop iteration,
// preserving the datapath's never-block guarantee.
func (e *Endpoint) flushTxQueue() error {
	for len(e.txScratch) > 0 {
		n := len(e.txScratch)
		if n > transport.KPostlist {
			n = transport.KPostlist
		}
		if e.txLimiter != nil && !e.txLimiter.AllowN(time.Now(), n) {
			return nil
		}
		if err := e.tr.TxBurst(e.txScratch[:n]); err != nil {
			return err
		}
		e.txScratch = e.txScratch[n:]
	}
	return nil
}

// queueSendRequest enters idx's request packets into sess's per-session TX
// queue and immediately attempts to drain as many as the session's
// available credits allow, per the protocol design's §4.E TX Scheduler: "for
// each [slot] it attempts to queue as many packets as allowed by available
// credits". A request consumes one credit per outgoing request packet; the
// single-packet case almost always drains in full on this first attempt
// (the "fast path that skips the large-message accounting"), since W and C
// default to the same value and a free request slot implies a free credit.
func (e *Endpoint) queueSendRequest(sess *Session, idx int) {
	sess.txQueue = append(sess.txQueue, idx)
	e.drainSessionRequestQueue(sess)
}

// drainSessionRequestQueue walks sess's FIFO of slots with unsent request
// packets, sending as many as available credits permit, and drops a slot
// from the queue once every one of its packets has been queued. It is
// re-entered whenever credit is returned (an explicit CR, or a response's
// implicit return) so packets deferred for lack of credit go out as soon as
// room opens up, without waiting for the next full event-loop pass.
func (e *Endpoint) drainSessionRequestQueue(sess *Session) {
	remaining := sess.txQueue[:0]
	for _, idx := range sess.txQueue {
		slot := &sess.reqSlots[idx]
		if !slot.inUse || slot.txBuf == nil {
			continue // slot completed or was aborted while queued
		}
		for slot.pktsQueued < slot.numPktsTx {
			if !sess.consumeCredit() {
				break
			}
			e.sendRequestPacket(sess, slot, slot.pktsQueued)
			slot.pktsQueued++
		}
		if slot.pktsQueued < slot.numPktsTx {
			remaining = append(remaining, idx)
		}
	}
	sess.txQueue = remaining
}

func (e *Endpoint) sendRequestPacket(sess *Session, slot *reqSlot, p int) {
	buf := slot.txBuf
	start := p * transport.KMaxDataPerPkt
	n := buf.MsgSize() - start
	if n > transport.KMaxDataPerPkt {
		n = transport.KMaxDataPerPkt
	}
	e.enqueueTxItem(sess.remoteRouting, buf.Header(p), buf.PayloadSlice(start, n))
	e.metrics.incReqTx(1)
}

// sendResponsePacket0 stamps the response header of every packet of a
// completed responder-side slot's respBuf and queues the first packet; the
// requester pulls any remaining packets with RFRs.
func (e *Endpoint) sendResponsePacket0(sess *Session, slot *reqSlot) {
	buf := slot.respBuf
	numPkts := buf.NumPkts()
	for p := 0; p < numPkts; p++ {
		h := wire.Header{
			Magic: wire.Magic, MsgSize: uint32(buf.MsgSize()),
			DestSessionNum: sess.remoteSessionNum, SessGen: sess.remoteGen, PktType: wire.PktResponse,
			PktNum: uint16(p), ReqNum: slot.reqNum,
		}
		h.Encode(buf.Header(p))
	}
	e.sendResponseChunk(sess, buf, 0)
	slot.pktsRespSent = 1
	e.metrics.incRespTx()
	if numPkts == 1 {
		return
	}
	// The remaining packets are pulled by the requester's RFRs; nothing more
	// to send until one arrives (handled in rx.go).
}

func (e *Endpoint) sendResponseChunk(sess *Session, buf *MessageBuffer, pktNum int) {
	start := pktNum * transport.KMaxDataPerPkt
	n := buf.MsgSize() - start
	if n > transport.KMaxDataPerPkt {
		n = transport.KMaxDataPerPkt
	}
	if n < 0 {
		n = 0
	}
	e.enqueueTxItem(sess.remoteRouting, buf.Header(pktNum), buf.PayloadSlice(start, n))
}

// sendRFR emits an immediate pull request for response packet pktNum of
// reqNum.
func (e *Endpoint) sendRFR(sess *Session, reqNum uint64, pktNum int) {
	var hdr [wire.HeaderSize]byte
	h := wire.Header{
		Magic: wire.Magic, DestSessionNum: sess.remoteSessionNum, SessGen: sess.remoteGen,
		PktType: wire.PktRFR, PktNum: uint16(pktNum), ReqNum: reqNum,
	}
	h.Encode(hdr[:])
	_ = e.sendImmediate(sess.remoteRouting, hdr[:])
	e.metrics.incRFRTx()
}

// sendCR emits an immediate Credit Return: the server-to-client
// acknowledgement that request packet pktNum of reqNum arrived, returning
// the credit it consumed. Per the protocol design's §4.D, this is sent for
// every request packet of a multi-packet request except the final one,
// whose credit is returned implicitly when the response begins arriving.
func (e *Endpoint) sendCR(sess *Session, reqNum uint64, pktNum int) {
	var hdr [wire.HeaderSize]byte
	h := wire.Header{
		Magic: wire.Magic, DestSessionNum: sess.remoteSessionNum, SessGen: sess.remoteGen,
		PktType: wire.PktCR, PktNum: uint16(pktNum), ReqNum: reqNum,
	}
	h.Encode(hdr[:])
	_ = e.sendImmediate(sess.remoteRouting, hdr[:])
	e.metrics.incCRTx()
}
