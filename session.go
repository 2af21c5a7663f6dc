package udrpc

import (
	"time"

	"github.com/flowmesh/udrpc/transport"
)

// sessionState is the session lifecycle state machine from the protocol
// design: DISCONNECTED -> CONNECT_IN_PROGRESS -> CONNECTED ->
// DISCONNECT_IN_PROGRESS, after which the slot is reaped back to the free
// list.
type sessionState int

const (
	sessionDisconnected sessionState = iota
	sessionConnectInProgress
	sessionConnected
	sessionDisconnectInProgress
)

func (s sessionState) String() string {
	switch s {
	case sessionDisconnected:
		return "DISCONNECTED"
	case sessionConnectInProgress:
		return "CONNECT_IN_PROGRESS"
	case sessionConnected:
		return "CONNECTED"
	case sessionDisconnectInProgress:
		return "DISCONNECT_IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// reqSlot tracks one request-window slot's worth of in-flight state, shared
// by both the requester side (a locally issued request awaiting a response)
// and the responder side (an inbound request whose response is pending
// credits or a background handler).
type reqSlot struct {
	inUse bool

	// reqNum is this slot's current request number: generation*W + index,
	// strictly increasing by W every time the slot is reused, per the
	// protocol design's monotonicity invariant.
	reqNum     uint64
	generation uint64

	// txBuf/numPktsTx are set on the requester side only, describing the
	// request this slot is sending.
	txBuf      *MessageBuffer
	numPktsTx  int
	cont       Continuation
	contHeavy  bool
	tag        any
	enqueuedAt time.Time // set once, at EnqueueRequest time, for RTT sampling

	// pktsQueued is the number of this slot's request packets already
	// handed to the TX path (placed on txScratch); pktsAcked is how many of
	// those have had their credit returned, either explicitly via a CR or
	// implicitly by the arrival of the first response packet. Per the
	// protocol design's credit invariant, a session's creditsAvail is
	// decremented exactly once per packet as pktsQueued advances and
	// incremented exactly once per packet as pktsAcked catches up.
	pktsQueued int
	pktsAcked  int

	// rxBuf accumulates the message this slot is receiving: the response
	// being reassembled on the requester side, or the request being
	// reassembled on the responder side.
	rxBuf     *MessageBuffer
	pktsRecv  int    // packets placed into rxBuf so far
	recvMask  []bool // per-packet-index dedup, so a retransmitted packet isn't double-counted

	// lastTxTime is the send time of the most recently (re)transmitted
	// packet this slot is responsible for, consulted by the loss-detection
	// sweep.
	lastTxTime time.Time

	// rfrSent is the requester-side count of response packets already
	// pulled via RFR (i.e. the next packet index to request).
	rfrSent int

	// responder-side response state. dispatched is set once the handler has
	// been invoked (synchronously or handed to a worker goroutine) so a
	// retransmitted request packet arriving before the handler finishes is
	// recognized and dropped instead of dispatched a second time; respReady
	// additionally marks that respBuf now holds a real answer, so a later
	// retransmit can be answered by resending it instead of being dropped.
	handler      Handler
	handlerHeavy bool
	dispatched   bool
	respBuf      *MessageBuffer
	respReady    bool
	pktsRespSent int
}

// reset clears s for reuse, keeping its generation so the slot's next reqNum
// stays above every one it has already issued.
func (s *reqSlot) reset() {
	*s = reqSlot{generation: s.generation}
}

// Session is one request/response channel between a local Endpoint and a
// remote endpoint, with its own request window and credit accounting in each
// direction.
type Session struct {
	localSessionNum  uint16
	remoteSessionNum uint16
	localEndpointID  byte
	remoteEndpointID byte
	remoteHost       string
	remoteRouting    transport.RoutingInfo
	genToken         [16]byte

	// localGen is this Endpoint's current sess_gen for localSessionNum, told
	// to the peer at connect time and stamped by the peer on every datapath
	// packet addressed here; a mismatch on receipt means the packet is stale
	// traffic from a session that used to occupy this number. remoteGen is
	// the peer's sess_gen for remoteSessionNum, learned the same way, and is
	// what this Endpoint stamps on packets it sends the peer.
	localGen  uint16
	remoteGen uint16

	state    sessionState
	isClient bool // true if this Endpoint initiated CreateSession

	window  int // W: request slots per direction
	credits int // C: response buffer credits granted to the peer

	// reqSlots is the requester-side window: slots this Endpoint uses to
	// issue outbound requests on this session.
	reqSlots     []reqSlot
	freeReqSlots []int

	// creditsAvail is how many of the peer's C response-buffer credits this
	// Endpoint currently believes are usable; decremented when a request is
	// sent, incremented on an explicit CR or a piggybacked credit return.
	creditsAvail int

	// srvSlots is the responder-side window: slots tracking inbound requests
	// this Endpoint is the target of, indexed by req_num % window.
	srvSlots []reqSlot

	// txQueue holds the reqSlots indices (FIFO) with request packets still
	// waiting on credit, per the protocol design's TX Scheduler (§4.E): a
	// slot stays queued until every one of its packets has been handed to
	// the TX path.
	txQueue []int

	createdAt time.Time
}

// consumeCredit reserves one of the peer's response-buffer credits for an
// outgoing request packet, reporting false if none are currently available.
func (s *Session) consumeCredit() bool {
	if s.creditsAvail <= 0 {
		return false
	}
	s.creditsAvail--
	return true
}

// returnCredit gives back one credit, via an explicit CR or the implicit
// return that a response's arrival grants for the request packet it
// answers. It never exceeds the session's configured credit count C.
func (s *Session) returnCredit() {
	if s.creditsAvail < s.credits {
		s.creditsAvail++
	}
}

func newSession(localNum uint16, window, credits int) *Session {
	s := &Session{
		localSessionNum: localNum,
		window:          window,
		credits:         credits,
		creditsAvail:    credits,
		reqSlots:        make([]reqSlot, window),
		srvSlots:        make([]reqSlot, window),
		createdAt:       time.Now(),
	}
	s.freeReqSlots = make([]int, window)
	for i := range s.freeReqSlots {
		s.freeReqSlots[i] = window - 1 - i
	}
	return s
}

// allocReqSlot reserves a free requester-side slot and advances its reqNum
// to the slot's next generation, returning the slot's index, or ok=false if
// every slot is currently occupied.
func (s *Session) allocReqSlot() (idx int, ok bool) {
	n := len(s.freeReqSlots)
	if n == 0 {
		return 0, false
	}
	idx = s.freeReqSlots[n-1]
	s.freeReqSlots = s.freeReqSlots[:n-1]
	slot := &s.reqSlots[idx]
	slot.inUse = true
	slot.generation++
	slot.reqNum = slot.generation*uint64(s.window) + uint64(idx)
	return idx, true
}

// freeReqSlot returns slot idx to the free list after its request has been
// fully resolved (response delivered, or the request aborted).
func (s *Session) freeReqSlot(idx int) {
	s.reqSlots[idx].reset()
	s.freeReqSlots = append(s.freeReqSlots, idx)
}

// srvSlotFor returns the responder-side slot a given request number maps to.
// Per the protocol design, the low bits of req_num select the slot and the
// high bits are the generation, so req_num % window selects the slot
// uniformly whether or not window is a power of two.
func (s *Session) srvSlotFor(reqNum uint64) *reqSlot {
	return &s.srvSlots[reqNum%uint64(s.window)]
}

// reqSlotFor returns the requester-side slot a local request number maps to.
func (s *Session) reqSlotFor(reqNum uint64) *reqSlot {
	return &s.reqSlots[reqNum%uint64(s.window)]
}
