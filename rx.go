package udrpc

import (
	"context"

	"github.com/flowmesh/udrpc/transport"
	"github.com/flowmesh/udrpc/wire"
)

// rxPoll drains one RxBurst's worth of packets from the transport and
// dispatches each by its packet type.
func (e *Endpoint) rxPoll(ctx context.Context) error {
	pkts, err := e.tr.RxBurst()
	if err != nil {
		return err
	}
	if len(pkts) == 0 {
		return nil
	}
	for _, pkt := range pkts {
		h, err := wire.Decode(pkt.Data)
		if err != nil {
			e.metrics.incBadPkt()
			continue
		}
		switch h.PktType {
		case wire.PktRequest:
			e.handleRequestPacket(ctx, h, pkt.Data)
		case wire.PktResponse:
			e.handleResponsePacket(h, pkt.Data)
		case wire.PktRFR:
			e.handleRFR(h)
		case wire.PktCR:
			e.handleCR(h)
		}
	}
	return e.tr.PostRecvs(len(pkts))
}

// staleSessionGen reports whether h's sess_gen field does not match the
// current occupant of h.DestSessionNum, per wire.Header's sess_gen
// discriminator: a session number is recycled once its session tears down,
// so without this check a delayed packet from the previous occupant would
// be silently accepted as legitimate traffic for whatever new session has
// since claimed the same number.
func (e *Endpoint) staleSessionGen(sess *Session, h wire.Header) bool {
	return h.SessGen != sess.localGen
}

func (e *Endpoint) handleRequestPacket(ctx context.Context, h wire.Header, raw []byte) {
	sess := e.lookupSession(h.DestSessionNum)
	if sess == nil || sess.state != sessionConnected || e.staleSessionGen(sess, h) {
		return
	}
	slot := sess.srvSlotFor(h.ReqNum)
	if slot.inUse && slot.reqNum == h.ReqNum && slot.dispatched {
		if slot.respReady {
			// The requester never saw our response (or the CR/RFR machinery
			// that would have kept it flowing was lost) and is
			// retransmitting the request it already got an answer for.
			// Don't redispatch the handler — re-ack by resending response
			// packet 0, which either completes the round trip again or
			// primes the requester's RFR pull for the rest.
			e.sendResponseChunk(sess, slot.respBuf, 0)
			slot.pktsRespSent = max(slot.pktsRespSent, 1)
			slot.lastTxTime = e.now()
			e.metrics.incRespTx()
		}
		// Otherwise the handler is still running (e.g. a heavy handler on a
		// worker goroutine): drop the retransmit, it will be answered once
		// the handler completes.
		return
	}
	if !slot.inUse || slot.reqNum != h.ReqNum {
		// New request train (or stale retransmission of a completed slot
		// being reused): (re)initialize the slot, releasing whatever it was
		// still holding from its previous occupant.
		if slot.inUse {
			if slot.rxBuf != nil {
				e.releaseBuf(slot.rxBuf)
			}
			if slot.respBuf != nil {
				e.releaseBuf(slot.respBuf)
			}
		}
		if numPktsFor(int(h.MsgSize)) == 1 && h.PktNum == 0 {
			// The entire message is this one packet: alias the transport's
			// already-independent per-packet buffer instead of allocating a
			// fresh dynamic one and copying into it (protocol design §4.F).
			buf, err := NewFakeMessageBuffer(raw, 1, int(h.MsgSize))
			if err != nil {
				return
			}
			slot.reset()
			slot.inUse = true
			slot.reqNum = h.ReqNum
			slot.rxBuf = buf
			slot.recvMask = []bool{true}
			slot.pktsRecv = 1
			e.metrics.incReqRx()
			e.dispatchRequest(ctx, sess, slot, h.ReqType)
			return
		}
		buf, err := e.AllocMsgBuffer(int(h.MsgSize))
		if err != nil {
			return // ring exhausted: drop and let the requester's loss timer retry
		}
		slot.reset()
		slot.inUse = true
		slot.reqNum = h.ReqNum
		slot.rxBuf = buf
		e.notifyShadow(buf, ShadowOwnerSlotRx)
		slot.recvMask = make([]bool, buf.NumPkts())
	}
	payload := raw[wire.HeaderSize:]
	pn := int(h.PktNum)
	numPkts := slot.rxBuf.NumPkts()
	isNewPacket := pn < numPkts && !slot.recvMask[pn]
	if isNewPacket {
		start := pn * transport.KMaxDataPerPkt
		n := len(payload)
		dst := slot.rxBuf.PayloadSlice(start, min(n, slot.rxBuf.MsgSize()-start))
		copy(dst, payload)
		slot.recvMask[pn] = true
		slot.pktsRecv++
	}
	e.metrics.incReqRx()
	if slot.pktsRecv < numPkts {
		// Every non-final request packet of a multi-packet train returns its
		// credit explicitly; the final packet's credit returns implicitly
		// when the response starts arriving (see handleResponsePacket).
		if isNewPacket && numPkts > 1 && pn != numPkts-1 {
			e.sendCR(sess, h.ReqNum, pn)
		}
		return
	}
	e.dispatchRequest(ctx, sess, slot, h.ReqType)
}

func (e *Endpoint) dispatchRequest(ctx context.Context, sess *Session, slot *reqSlot, reqType byte) {
	handler, ok := e.handlers[reqType]
	if !ok {
		e.releaseBuf(slot.rxBuf)
		slot.reset()
		return
	}
	e.notifyShadow(slot.rxBuf, ShadowOwnerUser)
	req := &Request{ctx: ctx, endpoint: e, sessionNum: sess.localSessionNum, reqType: reqType, reqNum: slot.reqNum, buf: slot.rxBuf}
	handle := RequestHandle{sessionNum: sess.localSessionNum, reqNum: slot.reqNum}
	slot.dispatched = true
	if e.heavyHandlers[reqType] {
		slot.handlerHeavy = true
		e.bg.runHeavyRequest(bgRequest{req: req, handler: handler, handle: handle})
		return
	}
	buf, err := handler(ctx, req)
	e.completeHandlerResult(handle, buf, err)
}

// completeHandlerResult is the single path by which a Handler's result
// (synchronous, heavy, or delivered via EnqueueResponse) becomes a queued
// response packet 0.
func (e *Endpoint) completeHandlerResult(handle RequestHandle, buf *MessageBuffer, err error) {
	sess := e.lookupSession(handle.sessionNum)
	if sess == nil {
		e.releaseBuf(buf)
		return
	}
	slot := sess.srvSlotFor(handle.reqNum)
	if !slot.inUse || slot.reqNum != handle.reqNum {
		e.releaseBuf(buf)
		return
	}
	if slot.rxBuf != nil && slot.rxBuf != buf {
		e.releaseBuf(slot.rxBuf)
	}
	slot.rxBuf = nil
	if err != nil || buf == nil {
		empty, aerr := e.AllocMsgBuffer(0)
		if aerr != nil {
			slot.reset()
			return
		}
		buf = empty
	}
	slot.respBuf = buf
	e.notifyShadow(buf, ShadowOwnerSlotTx)
	slot.respReady = true
	slot.lastTxTime = e.now()
	e.sendResponsePacket0(sess, slot)
}

func (e *Endpoint) handleResponsePacket(h wire.Header, raw []byte) {
	sess := e.lookupSession(h.DestSessionNum)
	if sess == nil || e.staleSessionGen(sess, h) {
		return
	}
	slot := sess.reqSlotFor(h.ReqNum)
	if !slot.inUse || slot.reqNum != h.ReqNum {
		return // stale retransmission of an already-completed request
	}
	if slot.rxBuf == nil {
		// The response beginning to arrive is itself proof the whole request
		// train was received; catch up any credit whose explicit CR never
		// made it back (lost CR, or a single-packet request that never got
		// one at all), before either fast-pathing or allocating below.
		for slot.pktsAcked < slot.numPktsTx {
			sess.returnCredit()
			slot.pktsAcked++
		}
		e.drainSessionRequestQueue(sess)

		if numPktsFor(int(h.MsgSize)) == 1 && h.PktNum == 0 {
			// The whole response is this one packet: alias the transport's
			// already-independent per-packet buffer instead of allocating a
			// fresh dynamic one and copying into it (protocol design §4.F).
			buf, err := NewFakeMessageBuffer(raw, 1, int(h.MsgSize))
			if err != nil {
				return
			}
			slot.rxBuf = buf
			slot.pktsRecv = 1
			slot.recvMask = []bool{true}
			slot.rfrSent = 1
			slot.lastTxTime = e.now()
			e.metrics.incRespRx()
			e.finishRequest(sess, slot, nil)
			return
		}
		buf, err := e.AllocMsgBuffer(int(h.MsgSize))
		if err != nil {
			return
		}
		slot.rxBuf = buf
		e.notifyShadow(buf, ShadowOwnerSlotRx)
		slot.pktsRecv = 0
		slot.recvMask = make([]bool, buf.NumPkts())
		slot.rfrSent = 1 // packet 0 arrives unsolicited
	}
	payload := raw[wire.HeaderSize:]
	pn := int(h.PktNum)
	if pn < slot.rxBuf.NumPkts() && !slot.recvMask[pn] {
		start := pn * transport.KMaxDataPerPkt
		n := len(payload)
		dst := slot.rxBuf.PayloadSlice(start, min(n, slot.rxBuf.MsgSize()-start))
		copy(dst, payload)
		slot.recvMask[pn] = true
		slot.pktsRecv++
	}
	slot.lastTxTime = e.now()
	e.metrics.incRespRx()

	numPkts := slot.rxBuf.NumPkts()
	if slot.pktsRecv < numPkts {
		e.pipelineRFRs(sess, slot, numPkts)
		return
	}
	e.finishRequest(sess, slot, nil)
}

// pipelineRFRs keeps up to the session's credit count of response packets
// requested-but-not-yet-received in flight at once.
func (e *Endpoint) pipelineRFRs(sess *Session, slot *reqSlot, numPkts int) {
	inFlight := slot.rfrSent - slot.pktsRecv
	for inFlight < sess.credits && slot.rfrSent < numPkts {
		e.sendRFR(sess, slot.reqNum, slot.rfrSent)
		slot.rfrSent++
		inFlight++
	}
}

func (e *Endpoint) finishRequest(sess *Session, slot *reqSlot, failure error) {
	idx := int(slot.reqNum % uint64(sess.window))
	if failure == nil && !slot.enqueuedAt.IsZero() {
		e.rtt.record(float64(e.now().Sub(slot.enqueuedAt).Microseconds()))
	}
	if slot.txBuf != nil {
		e.releaseBuf(slot.txBuf)
		slot.txBuf = nil
	}
	e.deliverContinuation(sess, slot, failure)
	if slot.rxBuf != nil {
		e.releaseBuf(slot.rxBuf)
		slot.rxBuf = nil
	}
	sess.freeReqSlot(idx)
}

func (e *Endpoint) handleRFR(h wire.Header) {
	sess := e.lookupSession(h.DestSessionNum)
	if sess == nil || e.staleSessionGen(sess, h) {
		return
	}
	slot := sess.srvSlotFor(h.ReqNum)
	if !slot.inUse || slot.reqNum != h.ReqNum || !slot.respReady {
		return
	}
	if int(h.PktNum) >= slot.respBuf.NumPkts() {
		return
	}
	e.sendResponseChunk(sess, slot.respBuf, int(h.PktNum))
	slot.pktsRespSent++
	slot.lastTxTime = e.now()
	e.metrics.incRespTx()
}

// handleCR processes a Credit Return arriving at the client that sent the
// request packet it acknowledges: it returns the credit the packet consumed
// and, now that there is room, resumes draining any of the session's
// requests still waiting on credit.
func (e *Endpoint) handleCR(h wire.Header) {
	sess := e.lookupSession(h.DestSessionNum)
	if sess == nil || e.staleSessionGen(sess, h) {
		return
	}
	slot := sess.reqSlotFor(h.ReqNum)
	if !slot.inUse || slot.reqNum != h.ReqNum {
		return // stale CR for an already-completed or reused slot
	}
	sess.returnCredit()
	if slot.pktsAcked < slot.numPktsTx {
		slot.pktsAcked++
	}
	slot.lastTxTime = e.now()
	e.drainSessionRequestQueue(sess)
}
