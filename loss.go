package udrpc

import (
	"time"

	"github.com/flowmesh/udrpc/transport"
	"go.uber.org/zap"
)

// suspectedLoss names one outstanding packet train the epoch sweep has
// decided to retransmit.
type suspectedLoss struct {
	sess     *Session
	slot     *reqSlot
	isReq    bool // true: requester-side reqSlots entry; false: responder-side srvSlots entry
	ageSince time.Time
}

// scanLosses is the periodic epoch sweep: any packet this Endpoint is
// waiting on an ack for, and which has gone unacknowledged for longer than
// KPktLossTimeout, is presumed lost and retransmitted. When a single sweep
// suspects more than transport.KPostlist slots at once (a correlated loss
// event, e.g. a flaky link or a restarted peer), resends beyond that
// threshold are paced through a go.uber.org/ratelimit leaky bucket so a
// large outage does not produce an unbounded retransmit storm in one pass;
// this never drops a retransmit, it only spreads them out.
func (e *Endpoint) scanLosses() {
	now := e.now()
	var suspects []suspectedLoss
	for _, sess := range e.sessions {
		if sess == nil || sess.state != sessionConnected {
			continue
		}
		for i := range sess.reqSlots {
			slot := &sess.reqSlots[i]
			if !slot.inUse || slot.txBuf == nil {
				continue
			}
			if now.Sub(slot.lastTxTime) < KPktLossTimeout {
				continue
			}
			suspects = append(suspects, suspectedLoss{sess: sess, slot: slot, isReq: true, ageSince: slot.lastTxTime})
		}
		for i := range sess.srvSlots {
			slot := &sess.srvSlots[i]
			if !slot.inUse || !slot.respReady || slot.pktsRespSent == 0 {
				continue
			}
			if now.Sub(slot.lastTxTime) < KPktLossTimeout {
				continue
			}
			suspects = append(suspects, suspectedLoss{sess: sess, slot: slot, isReq: false, ageSince: slot.lastTxTime})
		}
	}
	storm := e.stormLimiter != nil && len(suspects) > transport.KPostlist
	for i, s := range suspects {
		if storm && i >= transport.KPostlist {
			e.stormLimiter.Take()
		}
		e.lossAges.record(float64(now.Sub(s.ageSince).Microseconds()))
		if s.isReq {
			e.retransmitRequest(s.sess, s.slot)
			e.log.Debug("retransmitting request",
				zap.Uint16("session_num", s.sess.localSessionNum), zap.Uint64("req_num", s.slot.reqNum))
		} else {
			e.retransmitLastResponseChunk(s.sess, s.slot)
		}
		s.slot.lastTxTime = now
		e.metrics.incRetransmit()
	}
}

// retransmitRequest resends only the first unacknowledged request packet
// already handed to the TX path, on the presumption it (or its ack) was
// lost. Packets still waiting on credit are left in sess.txQueue untouched
// — they were never sent, so there is nothing to retransmit — but a drain is
// attempted in case credit happens to be available now.
func (e *Endpoint) retransmitRequest(sess *Session, slot *reqSlot) {
	p := slot.pktsAcked
	if p < slot.pktsQueued {
		start := p * transport.KMaxDataPerPkt
		n := slot.txBuf.MsgSize() - start
		if n > transport.KMaxDataPerPkt {
			n = transport.KMaxDataPerPkt
		}
		e.enqueueTxItem(sess.remoteRouting, slot.txBuf.Header(p), slot.txBuf.PayloadSlice(start, n))
	}
	e.drainSessionRequestQueue(sess)
}

// retransmitLastResponseChunk resends the most recently transmitted response
// packet for a responder-side slot, on the presumption it (or the RFR that
// would have pulled the next one) was lost.
func (e *Endpoint) retransmitLastResponseChunk(sess *Session, slot *reqSlot) {
	last := slot.pktsRespSent - 1
	if last < 0 || last >= slot.respBuf.NumPkts() {
		return
	}
	e.sendResponseChunk(sess, slot.respBuf, last)
}

// rttTracker maintains a rolling sample of round-trip latencies (request
// enqueue to final response packet) and reports percentiles on demand via
// montanaflynn/stats.
type rttTracker struct {
	samplesMicros []float64
	cap           int
}

func newRTTTracker() *rttTracker {
	return &rttTracker{cap: 4096}
}

func (t *rttTracker) record(micros float64) {
	if len(t.samplesMicros) >= t.cap {
		t.samplesMicros = t.samplesMicros[1:]
	}
	t.samplesMicros = append(t.samplesMicros, micros)
}
