package udrpc

import (
	"fmt"
	"time"

	"github.com/flowmesh/udrpc/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pendingConnect tracks a CONNECT_REQ this Endpoint issued as a client,
// awaiting CONNECT_RESP. There is no SM-layer retry: a per-session wallclock
// timeout surfaces CONNECT_FAILED to the caller if no response arrives.
type pendingConnect struct {
	sessionNum uint16
	sentAt     time.Time
}

// pendingDisconnect tracks a DISCONNECT_REQ this Endpoint issued, awaiting
// DISCONNECT_RESP before the session slot is reaped. There is no SM-layer
// retry; see pendingConnect.
type pendingDisconnect struct {
	sessionNum uint16
	sentAt     time.Time
}

// CreateSession begins establishing a session to remoteEndpointID on
// remoteHost. It returns the local session number immediately; the session
// enters state CONNECTED (or is torn back down) asynchronously, reported via
// Config.SMCallback. Callers must not EnqueueRequest on the session until a
// SMEventConnected event for its session number arrives.
func (e *Endpoint) CreateSession(remoteHost string, remoteEndpointID byte) (uint16, error) {
	e.assertLoopThread()
	defer e.releaseLoopThread()

	num, ok := e.allocSessionNum()
	if !ok {
		return 0, &OpError{Code: ErrCodeRingExhausted, Op: "CreateSession",
			Err: fmt.Errorf("udrpc: no free session slots (max %d)", MaxSessionsPerEndpoint)}
	}
	sess := newSession(num, e.window, e.credits)
	sess.isClient = true
	sess.remoteHost = remoteHost
	sess.remoteEndpointID = remoteEndpointID
	sess.state = sessionConnectInProgress
	sess.localGen = e.sessionGens[num]
	token := uuid.New()
	copy(sess.genToken[:], token[:])
	e.sessions[num] = sess

	pkt := wire.SMPacket{
		Kind:          wire.SMConnectReq,
		SrcEndpointID: e.id,
		SrcSessionNum: num,
		SrcSessionGen: sess.localGen,
		GenToken:      sess.genToken,
		SrcHost:       e.selfHost,
		RoutingInfo:   e.tr.LocalRoutingInfo(),
	}
	pkt.DestEndpointID = remoteEndpointID

	e.pendingConnects[sess.genToken] = &pendingConnect{sessionNum: num, sentAt: e.now()}
	if err := e.sendSM(remoteHost, pkt); err != nil {
		delete(e.pendingConnects, sess.genToken)
		e.freeSessionNum(num)
		return 0, &OpError{Code: ErrCodeWrongURI, Op: "CreateSession", Err: err}
	}
	return num, nil
}

// DisconnectSession begins tearing down sessionNum. The session is marked
// DISCONNECT_IN_PROGRESS immediately (EnqueueRequest on it now fails) and is
// reaped once the peer acknowledges, reported via SMEventDisconnected.
func (e *Endpoint) DisconnectSession(sessionNum uint16) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()

	sess := e.lookupSession(sessionNum)
	if sess == nil || sess.state != sessionConnected {
		return &OpError{Code: ErrCodeNoSessionNum, Op: "DisconnectSession"}
	}
	sess.state = sessionDisconnectInProgress
	e.abortInFlight(sess, ErrCodeAborted)

	pkt := wire.SMPacket{
		Kind:           wire.SMDisconnectReq,
		SrcEndpointID:  e.id,
		DestEndpointID: sess.remoteEndpointID,
		SrcSessionNum:  sess.localSessionNum,
		SrcSessionGen:  sess.localGen,
		DestSessionNum: sess.remoteSessionNum,
		GenToken:       sess.genToken,
		SrcHost:        e.selfHost,
	}
	e.pendingDisconnects[sess.genToken] = &pendingDisconnect{sessionNum: sessionNum, sentAt: e.now()}
	return e.sendSM(sess.remoteHost, pkt)
}

// drainSMInbox processes every packet currently queued in the Broker-fed
// SMInbox channel, freeing each after dispatch. This is step (1) of the
// event loop's control flow: SM processing runs before RX dispatch so a
// just-completed handshake is visible to the rest of the iteration.
func (e *Endpoint) drainSMInbox() {
	if e.smInbox == nil {
		return
	}
	for {
		select {
		case data, ok := <-e.smInbox:
			if !ok {
				e.smInbox = nil
				return
			}
			e.dispatchSMBytes(data)
		default:
			return
		}
	}
}

func (e *Endpoint) dispatchSMBytes(data []byte) {
	if len(data) > 0 && data[0] == FaultMarker {
		cmd, err := DecodeFaultCommand(data)
		if err != nil {
			e.log.Warn("malformed fault command", zap.Error(err))
			return
		}
		if err := e.HandleFaultCommand(cmd); err != nil {
			e.log.Warn("fault command failed", zap.Error(err))
		}
		return
	}
	pkt, err := wire.DecodeSM(data)
	if err != nil {
		e.log.Warn("malformed sm packet", zap.Error(err))
		return
	}
	e.HandleSMPacket(pkt)
}

// HandleSMPacket processes one inbound session-management packet, as
// delivered by the broker's SM relay. It is called from the event loop
// goroutine, never concurrently with other Endpoint methods.
func (e *Endpoint) HandleSMPacket(pkt *wire.SMPacket) {
	switch pkt.Kind {
	case wire.SMConnectReq:
		e.handleConnectReq(pkt)
	case wire.SMConnectResp:
		e.handleConnectResp(pkt)
	case wire.SMDisconnectReq:
		e.handleDisconnectReq(pkt)
	case wire.SMDisconnectResp:
		e.handleDisconnectResp(pkt)
	}
}

func (e *Endpoint) handleConnectReq(pkt *wire.SMPacket) {
	resp := wire.SMPacket{
		Kind:           wire.SMConnectResp,
		SrcEndpointID:  e.id,
		DestEndpointID: pkt.SrcEndpointID,
		DestSessionNum: pkt.SrcSessionNum,
		GenToken:       pkt.GenToken,
		SrcHost:        e.selfHost,
	}

	routing, err := e.tr.ResolveRoutingInfo(pkt.RoutingInfo)
	if err != nil {
		resp.ErrorCode = wire.SMRoutingResolutionFailed
		_ = e.sendSM(pkt.SrcHost, resp)
		return
	}
	num, ok := e.allocSessionNum()
	if !ok {
		resp.ErrorCode = wire.SMTooManySessions
		_ = e.sendSM(pkt.SrcHost, resp)
		return
	}
	sess := newSession(num, e.window, e.credits)
	sess.isClient = false
	sess.remoteHost = pkt.SrcHost
	sess.remoteEndpointID = pkt.SrcEndpointID
	sess.remoteSessionNum = pkt.SrcSessionNum
	sess.remoteGen = pkt.SrcSessionGen
	sess.remoteRouting = routing
	sess.genToken = pkt.GenToken
	sess.state = sessionConnected
	sess.localGen = e.sessionGens[num]
	e.sessions[num] = sess

	resp.SrcSessionNum = num
	resp.SrcSessionGen = sess.localGen
	resp.RoutingInfo = e.tr.LocalRoutingInfo()
	resp.ErrorCode = wire.SMOK
	_ = e.sendSM(pkt.SrcHost, resp)

	e.fireSM(SMEvent{Kind: SMEventConnected, SessionNum: num})
}

func (e *Endpoint) handleConnectResp(pkt *wire.SMPacket) {
	pending, ok := e.pendingConnects[pkt.GenToken]
	if !ok {
		return // stale or duplicate retransmission of a resp we already consumed
	}
	delete(e.pendingConnects, pkt.GenToken)
	sess := e.lookupSession(pending.sessionNum)
	if sess == nil {
		return
	}
	if pkt.ErrorCode != wire.SMOK {
		e.freeSessionNum(sess.localSessionNum)
		e.fireSM(SMEvent{Kind: SMEventConnectFailed, SessionNum: sess.localSessionNum,
			Reason: smFailFromWire(pkt.ErrorCode)})
		return
	}
	routing, err := e.tr.ResolveRoutingInfo(pkt.RoutingInfo)
	if err != nil {
		e.freeSessionNum(sess.localSessionNum)
		e.fireSM(SMEvent{Kind: SMEventConnectFailed, SessionNum: sess.localSessionNum,
			Reason: SMFailRoutingResolutionFailed})
		return
	}
	sess.remoteSessionNum = pkt.SrcSessionNum
	sess.remoteGen = pkt.SrcSessionGen
	sess.remoteRouting = routing
	sess.state = sessionConnected
	e.fireSM(SMEvent{Kind: SMEventConnected, SessionNum: sess.localSessionNum})
}

func (e *Endpoint) handleDisconnectReq(pkt *wire.SMPacket) {
	sess := e.lookupSession(pkt.DestSessionNum)
	resp := wire.SMPacket{
		Kind:           wire.SMDisconnectResp,
		SrcEndpointID:  e.id,
		DestEndpointID: pkt.SrcEndpointID,
		SrcSessionNum:  pkt.DestSessionNum,
		DestSessionNum: pkt.SrcSessionNum,
		GenToken:       pkt.GenToken,
		SrcHost:        e.selfHost,
		ErrorCode:      wire.SMOK,
	}
	if sess == nil || sess.genToken != pkt.GenToken {
		resp.ErrorCode = wire.SMSessionNotFound
		_ = e.sendSM(pkt.SrcHost, resp)
		return
	}
	e.abortInFlight(sess, ErrCodeAborted)
	num := sess.localSessionNum
	e.freeSessionNum(num)
	_ = e.sendSM(pkt.SrcHost, resp)
	e.fireSM(SMEvent{Kind: SMEventDisconnected, SessionNum: num})
}

func (e *Endpoint) handleDisconnectResp(pkt *wire.SMPacket) {
	pending, ok := e.pendingDisconnects[pkt.GenToken]
	if !ok {
		return
	}
	delete(e.pendingDisconnects, pkt.GenToken)
	num := pending.sessionNum
	e.freeSessionNum(num)
	e.fireSM(SMEvent{Kind: SMEventDisconnected, SessionNum: num})
}

func (e *Endpoint) fireSM(ev SMEvent) {
	e.logSessionEvent(ev)
	if e.smCallback != nil {
		e.smCallback(ev)
	}
}

func smFailFromWire(c wire.SMErrorCode) SMFailReason {
	switch c {
	case wire.SMTooManySessions:
		return SMFailTooManySessions
	case wire.SMRoutingResolutionFailed:
		return SMFailRoutingResolutionFailed
	case wire.SMInvalidRemoteEndpoint:
		return SMFailInvalidRemoteEndpoint
	case wire.SMSessionNotFound:
		return SMFailSessionNotFound
	default:
		return SMFailNone
	}
}

// scanSMTimeouts gives up on any pending CONNECT/DISCONNECT handshake older
// than KSMConnectTimeout. Missing SM responses are not retried at this
// layer: a bare wallclock timeout surfaces CONNECT_FAILED (or, for a
// disconnect, a DISCONNECTED event freeing the session anyway) to the
// caller. Called from the loss-detection sweep.
func (e *Endpoint) scanSMTimeouts() {
	now := e.now()
	for token, p := range e.pendingConnects {
		if now.Sub(p.sentAt) < KSMConnectTimeout {
			continue
		}
		delete(e.pendingConnects, token)
		e.freeSessionNum(p.sessionNum)
		e.fireSM(SMEvent{Kind: SMEventConnectFailed, SessionNum: p.sessionNum, Reason: SMFailTimeout})
	}
	for token, p := range e.pendingDisconnects {
		if now.Sub(p.sentAt) < KSMConnectTimeout {
			continue
		}
		delete(e.pendingDisconnects, token)
		e.freeSessionNum(p.sessionNum)
		e.fireSM(SMEvent{Kind: SMEventDisconnected, SessionNum: p.sessionNum})
	}
}
