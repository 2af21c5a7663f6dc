package udrpc

import "fmt"

// FaultMarker is the leading byte a Broker uses to distinguish a relayed
// FaultCommand from a wire.SMPacket on the same control channel: every
// wire.SMKind value fits in 2 bits, so 0xFF can never collide with one.
const FaultMarker byte = 0xFF

// FaultKind selects which of the four injectable faults a FaultCommand
// requests.
type FaultKind byte

const (
	FaultResolveFail   FaultKind = iota // (i) fail subsequent routing resolution
	FaultDisconnect                     // (ii) synthetically disconnect a session
	FaultDropNthTx                      // (iii) drop the n'th subsequent local TX packet
	FaultRemoteRequest                  // (iv) relay one of the above to a remote endpoint
)

// FaultCommand is the side-channel message used by (iv) to ask a remote
// endpoint's broker to apply one of the other three faults locally.
type FaultCommand struct {
	Kind       FaultKind
	SessionNum uint16 // for FaultDisconnect
	Countdown  int    // for FaultDropNthTx
}

// Encode serializes c for transmission via a Broker's SM relay channel,
// prefixed with FaultMarker.
func (c FaultCommand) Encode() []byte {
	return []byte{FaultMarker, byte(c.Kind), byte(c.SessionNum >> 8), byte(c.SessionNum),
		byte(c.Countdown >> 8), byte(c.Countdown)}
}

// DecodeFaultCommand parses a FaultCommand previously produced by Encode.
// Callers must check data[0] == FaultMarker before calling this.
func DecodeFaultCommand(data []byte) (FaultCommand, error) {
	if len(data) < 6 || data[0] != FaultMarker {
		return FaultCommand{}, fmt.Errorf("udrpc: malformed fault command (%d bytes)", len(data))
	}
	return FaultCommand{
		Kind:       FaultKind(data[1]),
		SessionNum: uint16(data[2])<<8 | uint16(data[3]),
		Countdown:  int(data[4])<<8 | int(data[5]),
	}, nil
}

// resolveFailer is implemented by transport drivers that support fault (i):
// forcing subsequent ResolveRoutingInfo calls to fail, e.g.
// transport.Local.
type resolveFailer interface {
	ForceResolveFail(on bool)
}

// FaultForceResolveFail applies fault (i): forces this Endpoint's transport
// to fail routing-info resolution on subsequent connect attempts, or clears
// the fault. Like every fault hook, it panics if called while another call
// on this Endpoint is in progress (see assertLoopThread).
func (e *Endpoint) FaultForceResolveFail(on bool) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.faultForceResolveFail(on)
}

func (e *Endpoint) faultForceResolveFail(on bool) error {
	rf, ok := e.tr.(resolveFailer)
	if !ok {
		return fmt.Errorf("udrpc: transport %T does not support FaultForceResolveFail", e.tr)
	}
	rf.ForceResolveFail(on)
	return nil
}

// FaultDisconnectSession applies fault (ii): synthetically tears sessionNum
// down as if a DISCONNECT_REQ had arrived from the peer, to exercise
// disconnect-callback paths without needing real peer cooperation.
func (e *Endpoint) FaultDisconnectSession(sessionNum uint16) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.faultDisconnectSession(sessionNum)
}

func (e *Endpoint) faultDisconnectSession(sessionNum uint16) error {
	sess := e.lookupSession(sessionNum)
	if sess == nil {
		return &OpError{Code: ErrCodeNoSessionNum, Op: "FaultDisconnectSession"}
	}
	e.abortInFlight(sess, ErrCodeAborted)
	e.freeSessionNum(sessionNum)
	e.fireSM(SMEvent{Kind: SMEventDisconnected, SessionNum: sessionNum})
	return nil
}

// FaultDropNthTxPacket applies fault (iii): the countdown'th subsequent
// locally transmitted packet (counting from 1) is silently not placed on the
// wire. The fault is one-shot: it disarms itself after dropping that one
// packet.
func (e *Endpoint) FaultDropNthTxPacket(countdown int) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.faultDropNthTxPacket(countdown)
}

func (e *Endpoint) faultDropNthTxPacket(countdown int) error {
	if countdown < 1 {
		return fmt.Errorf("udrpc: countdown must be >= 1")
	}
	e.faultDropCountdown = countdown
	return nil
}

// FaultRequestRemote applies fault (iv): relays cmd to a remote endpoint's
// broker via sendSMFn, asking it to apply one of the other three faults
// locally. The remote broker is expected to recognize FaultMarker and route
// the payload to DecodeFaultCommand and HandleFaultCommand.
func (e *Endpoint) FaultRequestRemote(host string, cmd FaultCommand) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.sendSMFn(host, cmd.Encode())
}

// HandleFaultCommand applies a FaultCommand received from a remote endpoint
// via FaultRequestRemote, as delivered by the local Broker. It is called
// from dispatchSMBytes on the event-loop goroutine, which has already
// asserted loop-thread ownership for this iteration, so it calls straight
// into each fault's unexported body rather than through the public
// Fault* entry points (those re-assert and would panic on the reentrant
// CAS).
func (e *Endpoint) HandleFaultCommand(cmd FaultCommand) error {
	switch cmd.Kind {
	case FaultResolveFail:
		return e.faultForceResolveFail(true)
	case FaultDisconnect:
		return e.faultDisconnectSession(cmd.SessionNum)
	case FaultDropNthTx:
		return e.faultDropNthTxPacket(cmd.Countdown)
	default:
		return fmt.Errorf("udrpc: fault command requested another remote relay, refused")
	}
}

// maybeDropForFault is consulted by flushTxQueue for every outbound item
// when faultDropCountdown is armed. It decrements the countdown and reports
// whether this particular item should be dropped.
func (e *Endpoint) maybeDropForFault() bool {
	if e.faultDropCountdown <= 0 {
		return false
	}
	e.faultDropCountdown--
	if e.faultDropCountdown == 0 {
		return true
	}
	return false
}
