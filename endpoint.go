package udrpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flowmesh/udrpc/alloc"
	"github.com/flowmesh/udrpc/transport"
	"github.com/flowmesh/udrpc/wire"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config carries the construction-time parameters for an Endpoint.
type Config struct {
	// EndpointID identifies this endpoint among the endpoints a single
	// broker on this host manages; it is the destination field stamped into
	// outbound SM packets so a remote broker can route the handshake to the
	// right local endpoint.
	EndpointID byte

	// SelfHost is this host's address as the remote end should dial it back
	// for future SM traffic (typically the broker's control-plane address).
	SelfHost string

	// Window and Credits override DefaultWindowSize and DefaultCredits. Zero
	// means use the default.
	Window  int
	Credits int

	// ArenaSize overrides alloc.DefaultArenaSize. Zero means use the
	// default.
	ArenaSize int

	// TxBurstRate, if positive, caps outbound packet bursts to this many
	// packets per second via a golang.org/x/time/rate limiter. Zero (the
	// default) means unlimited: this is an opt-in egress shaper, not part
	// of the credit/window flow-control semantics.
	TxBurstRate float64

	// TxBurstSize is the token-bucket burst size paired with TxBurstRate.
	// Zero means transport.KPostlist.
	TxBurstSize int

	// RetransmitStormRate, if positive, caps how many retransmits per
	// second the loss-detection sweep may issue once a single epoch scan
	// suspects more than transport.KPostlist slots lost at once, via a
	// go.uber.org/ratelimit leaky-bucket limiter. Zero means unlimited.
	RetransmitStormRate int

	// SMSend relays an encoded SM packet to destHost, typically provided by
	// a Broker. It must not block the calling goroutine for long.
	SMSend func(destHost string, data []byte) error

	// SMInbox, if set, is drained at the top of every event-loop iteration:
	// each entry is either a wire.SMPacket or a FaultCommand encoding,
	// delivered by a Broker's relay into this Endpoint's per-endpoint
	// inbox. This is how the event loop's "(1) SM processing" step (see
	// the protocol design's control-flow summary) is driven without the
	// Endpoint importing the broker package.
	SMInbox <-chan []byte

	// SMCallback, if set, is invoked for every session lifecycle transition.
	SMCallback SMCallback

	// RunHeavy, if set, is typically a broker.Broker's shared, bounded pool
	// (via Broker.Register's third return value), used to run this
	// Endpoint's heavy handlers and continuations off the event-loop thread
	// alongside every other Endpoint sharing that Broker (protocol design
	// §4.H). Nil means this Endpoint gets its own private, unbounded pool
	// instead (one goroutine per heavy call) — the right default for a
	// single-process pair with no Broker, such as udrpctest.NewLocal.
	RunHeavy HeavyRunner

	// Logger overrides the default development zap.Logger.
	Logger *zap.Logger
}

// Endpoint is a single-threaded RPC datapath endpoint: it owns a Transport,
// a buffer Allocator, and a table of Sessions, and drives all protocol state
// machines from whichever goroutine calls its Run* methods. No Endpoint
// method may be called concurrently with another on the same Endpoint.
type Endpoint struct {
	id       byte
	selfHost string
	tr       transport.Transport
	alloc    *alloc.Allocator
	window   int
	credits  int

	sessions        []*Session
	freeSessionNums []uint16

	// sessionGens[num] is the sess_gen this Endpoint is currently using for
	// local session number num: bumped every time num is (re)allocated, so a
	// datapath packet's SessGen field can distinguish it from stale traffic
	// addressed to num's previous occupant. See wire.Header.SessGen.
	sessionGens []uint16

	pendingConnects    map[[16]byte]*pendingConnect
	pendingDisconnects map[[16]byte]*pendingDisconnect

	sendSMFn   func(destHost string, data []byte) error
	smInbox    <-chan []byte
	smCallback SMCallback

	handlers      map[byte]Handler
	heavyHandlers map[byte]bool

	txScratch []transport.TxItem
	txLimiter *rate.Limiter

	stormLimiter ratelimit.Limiter

	bg *backgroundBridge

	lastLossScan time.Time
	rtt          *rttTracker
	lossAges     *rttTracker

	metrics *metricsSet
	log     *zap.Logger

	busy atomic.Bool

	// shadowObserver, when set by a test via SetShadowObserver, is notified
	// of every dynamic MessageBuffer ownership transition this Endpoint
	// drives. Nil in production.
	shadowObserver ShadowObserver

	// faultDropCountdown implements fault (iii) from the protocol design's
	// fault-injection hooks: when positive, it counts down to zero across
	// locally transmitted packets, dropping exactly the packet that makes it
	// reach zero.
	faultDropCountdown int
}

// New constructs an Endpoint over the given Transport.
func New(tr transport.Transport, cfg Config) (*Endpoint, error) {
	if cfg.SMSend == nil {
		return nil, fmt.Errorf("udrpc: Config.SMSend must be set")
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindowSize
	}
	credits := cfg.Credits
	if credits == 0 {
		credits = DefaultCredits
	}
	arena := cfg.ArenaSize
	if arena == 0 {
		arena = alloc.DefaultArenaSize
	}
	// locking=true unconditionally: every Endpoint carries a background
	// bridge, and once a single handler or continuation is registered heavy
	// (HandleHeavy, EnqueueRequestHeavy) a worker goroutine may call
	// MessageBuffer.Release, and so Allocator.Free, concurrently with the
	// event-loop thread's own Alloc/Free calls. The protocol design's
	// conditional lock (skipped when an endpoint has no background workers
	// at all) would require a construction-time commitment this API does
	// not ask callers to make, so the lock is always held instead.
	a, err := alloc.New(true, arena)
	if err != nil {
		return nil, fmt.Errorf("udrpc: allocator: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	e := &Endpoint{
		id:                 cfg.EndpointID,
		selfHost:           cfg.SelfHost,
		tr:                 tr,
		alloc:              a,
		window:             window,
		credits:            credits,
		sessions:           make([]*Session, MaxSessionsPerEndpoint),
		sessionGens:        make([]uint16, MaxSessionsPerEndpoint),
		pendingConnects:    make(map[[16]byte]*pendingConnect),
		pendingDisconnects: make(map[[16]byte]*pendingDisconnect),
		sendSMFn:           cfg.SMSend,
		smInbox:            cfg.SMInbox,
		smCallback:         cfg.SMCallback,
		handlers:           make(map[byte]Handler),
		heavyHandlers:      make(map[byte]bool),
		bg:                 newBackgroundBridge(cfg.RunHeavy),
		rtt:                newRTTTracker(),
		lossAges:           newRTTTracker(),
		metrics:            newMetricsSet(fmt.Sprintf("endpoint-%d", cfg.EndpointID)),
		log:                logger.With(zap.Uint8("endpoint_id", cfg.EndpointID)),
	}
	if cfg.TxBurstRate > 0 {
		burst := cfg.TxBurstSize
		if burst == 0 {
			burst = transport.KPostlist
		}
		e.txLimiter = rate.NewLimiter(rate.Limit(cfg.TxBurstRate), burst)
	}
	if cfg.RetransmitStormRate > 0 {
		e.stormLimiter = ratelimit.New(cfg.RetransmitStormRate)
	}
	for i := 0; i < MaxSessionsPerEndpoint; i++ {
		e.freeSessionNums = append(e.freeSessionNums, uint16(MaxSessionsPerEndpoint-1-i))
	}
	e.metrics.bindSessionGauge(func() float64 { return float64(e.NumActiveSessions()) })
	return e, nil
}

// assertLoopThread panics if called concurrently with another Endpoint call
// still in progress, standing in for the original design's strict
// single-thread-affinity assertion (Go has no cheap, portable way to pin a
// goroutine to an OS thread and check it, so this catches the practical
// mistake: two goroutines driving the same Endpoint at once).
func (e *Endpoint) assertLoopThread() {
	if !e.busy.CompareAndSwap(false, true) {
		panic("udrpc: concurrent use of an Endpoint from two goroutines")
	}
}

func (e *Endpoint) releaseLoopThread() { e.busy.Store(false) }

func (e *Endpoint) now() time.Time { return time.Now() }

func (e *Endpoint) sendSM(host string, pkt wire.SMPacket) error {
	return e.sendSMFn(host, pkt.Encode())
}

// allocSessionNum reserves a free session number and bumps its generation
// (wire.Header.SessGen), so datapath traffic naming this number in a
// packet built before the previous occupant was torn down is recognizable
// as stale rather than misdelivered to the new session. The generation
// wraps modulo 1<<wire.SessGenBits: a number reused more than 4096 times
// without the resulting collision mattering is an accepted residual risk
// (see DESIGN.md).
func (e *Endpoint) allocSessionNum() (uint16, bool) {
	n := len(e.freeSessionNums)
	if n == 0 {
		return 0, false
	}
	num := e.freeSessionNums[n-1]
	e.freeSessionNums = e.freeSessionNums[:n-1]
	e.sessionGens[num] = (e.sessionGens[num] + 1) & wire.MaxSessGen
	return num, true
}

func (e *Endpoint) freeSessionNum(num uint16) {
	e.sessions[num] = nil
	e.freeSessionNums = append(e.freeSessionNums, num)
}

func (e *Endpoint) lookupSession(num uint16) *Session {
	if int(num) >= len(e.sessions) {
		return nil
	}
	return e.sessions[num]
}

// abortInFlight fails every outstanding requester-side slot on sess with
// code, delivering a Response carrying the typed error to each
// Continuation, and releases the inbound requester-side MessageBuffers held
// by the responder-side slots.
func (e *Endpoint) abortInFlight(sess *Session, code ErrorCode) {
	for i := range sess.reqSlots {
		slot := &sess.reqSlots[i]
		if !slot.inUse {
			continue
		}
		if slot.cont != nil {
			e.deliverContinuation(sess, slot, &OpError{Code: code, Op: "EnqueueRequest"})
		}
		if slot.txBuf != nil {
			e.releaseBuf(slot.txBuf)
		}
		slot.reset()
	}
	sess.freeReqSlots = sess.freeReqSlots[:0]
	for i := 0; i < sess.window; i++ {
		sess.freeReqSlots = append(sess.freeReqSlots, sess.window-1-i)
	}
	sess.txQueue = nil
	sess.creditsAvail = sess.credits
	for i := range sess.srvSlots {
		slot := &sess.srvSlots[i]
		if slot.inUse && slot.rxBuf != nil {
			e.releaseBuf(slot.rxBuf)
		}
		if slot.respBuf != nil {
			e.releaseBuf(slot.respBuf)
		}
		slot.reset()
	}
}

// NumActiveSessions reports the number of sessions currently in state
// CONNECTED.
func (e *Endpoint) NumActiveSessions() int {
	n := 0
	for _, s := range e.sessions {
		if s != nil && s.state == sessionConnected {
			n++
		}
	}
	return n
}

// AllocMsgBuffer reserves a dynamic MessageBuffer able to hold up to bytes
// payload bytes.
func (e *Endpoint) AllocMsgBuffer(bytes int) (*MessageBuffer, error) {
	numPkts := numPktsFor(bytes)
	need := headerRegionSize(numPkts) + bytes
	h, ok := e.alloc.Alloc(need)
	if !ok {
		if need > e.alloc.MaxAllocatable() {
			return nil, &OpError{Code: ErrCodeInvalidMsgSize, Op: "AllocMsgBuffer",
				Err: &alloc.ErrTooLarge{Requested: need, Max: e.alloc.MaxAllocatable()}}
		}
		return nil, &OpError{Code: ErrCodeRingExhausted, Op: "AllocMsgBuffer"}
	}
	for i := 0; i < numPkts; i++ {
		wire.StampMagic(h.Bytes()[i*wire.HeaderSize : (i+1)*wire.HeaderSize])
	}
	buf := newMessageBuffer(e.alloc, h, numPkts, bytes)
	e.notifyShadow(buf, ShadowOwnerUser)
	return buf, nil
}

// FreeMsgBuffer is a synonym for buf.Release, provided for symmetry with
// AllocMsgBuffer.
func (e *Endpoint) FreeMsgBuffer(buf *MessageBuffer) { e.releaseBuf(buf) }

// Handle registers a synchronous handler for inbound requests of the given
// mnemonic type, replacing any previously registered handler for reqType.
func (e *Endpoint) Handle(reqType byte, h Handler) {
	e.handlers[reqType] = h
	delete(e.heavyHandlers, reqType)
}

// HandleHeavy registers h to run on a worker goroutine (see
// Config.RunHeavy) instead of the event-loop goroutine, for handlers that
// may block.
func (e *Endpoint) HandleHeavy(reqType byte, h Handler) {
	e.handlers[reqType] = h
	e.heavyHandlers[reqType] = true
}

// EnqueueRequest issues a request of type reqType carrying buf's payload on
// sessionNum. Ownership of buf passes to the Endpoint; it is released
// automatically once the request completes. cont is invoked exactly once,
// from a future event-loop iteration, with the response or a typed failure.
func (e *Endpoint) EnqueueRequest(sessionNum uint16, reqType byte, buf *MessageBuffer, cont Continuation, tag any) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.enqueueRequestLocked(sessionNum, reqType, buf, cont, false, tag)
}

// EnqueueRequestHeavy behaves exactly like EnqueueRequest, except cont runs
// on a worker goroutine (see Config.RunHeavy) instead of the event-loop goroutine,
// for continuations that may themselves block (e.g. on further I/O).
func (e *Endpoint) EnqueueRequestHeavy(sessionNum uint16, reqType byte, buf *MessageBuffer, cont Continuation, tag any) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.enqueueRequestLocked(sessionNum, reqType, buf, cont, true, tag)
}

func (e *Endpoint) enqueueRequestLocked(sessionNum uint16, reqType byte, buf *MessageBuffer, cont Continuation, heavy bool, tag any) error {
	sess := e.lookupSession(sessionNum)
	if sess == nil {
		return &OpError{Code: ErrCodeNoSessionNum, Op: "EnqueueRequest"}
	}
	if sess.state != sessionConnected {
		return &OpError{Code: ErrCodeSessionDisconnected, Op: "EnqueueRequest"}
	}
	if buf.Capacity() < buf.MsgSize() {
		return &OpError{Code: ErrCodeInvalidMsgSize, Op: "EnqueueRequest"}
	}
	idx, ok := sess.allocReqSlot()
	if !ok {
		return &OpError{Code: ErrCodeRingExhausted, Op: "EnqueueRequest",
			Err: fmt.Errorf("udrpc: request window full (W=%d)", sess.window)}
	}
	slot := &sess.reqSlots[idx]
	slot.txBuf = buf
	e.notifyShadow(buf, ShadowOwnerSlotTx)
	slot.numPktsTx = buf.NumPkts()
	slot.cont = cont
	slot.contHeavy = heavy
	slot.tag = tag
	slot.lastTxTime = e.now()
	slot.enqueuedAt = slot.lastTxTime
	for p := 0; p < slot.numPktsTx; p++ {
		h := wire.Header{
			Magic: wire.Magic, ReqType: reqType, MsgSize: uint32(buf.MsgSize()),
			DestSessionNum: sess.remoteSessionNum, SessGen: sess.remoteGen, PktType: wire.PktRequest,
			PktNum: uint16(p), ReqNum: slot.reqNum,
		}
		h.Encode(buf.Header(p))
	}
	e.queueSendRequest(sess, idx)
	return nil
}

// deliverContinuation invokes slot's Continuation with either a failure or
// the response buffer rx.go stashed in slot.rxBuf. A continuation
// registered via EnqueueRequestHeavy is handed to the background bridge
// instead of run inline. A synchronous continuation runs before the caller
// releases txBuf and returns the slot to the free list; resp carries its own
// copy of the buffer, tag and request number, so neither kind of
// continuation reads the slot once this call returns.
func (e *Endpoint) deliverContinuation(sess *Session, slot *reqSlot, failure error) {
	cont := slot.cont
	if cont == nil {
		return
	}
	resp := &Response{endpoint: e, sessionNum: sess.localSessionNum, reqNum: slot.reqNum, tag: slot.tag}
	if failure != nil {
		resp.err = failure
	} else {
		resp.buf = slot.rxBuf
		e.notifyShadow(resp.buf, ShadowOwnerUser)
		slot.rxBuf = nil
	}
	if slot.contHeavy {
		e.bg.runHeavyContinuation(bgContinuation{cont: cont, resp: resp})
		return
	}
	cont(resp)
}

// EnqueueResponse supplies the response for a request a Handler chose not to
// answer synchronously (it returned a nil buffer and no error, after saving
// handle for later). It is safe to call from any goroutine; the actual send
// is performed on the next event-loop iteration via the background bridge.
func (e *Endpoint) EnqueueResponse(handle RequestHandle, buf *MessageBuffer, err error) {
	e.bg.submitResponse(bgResponse{handle: handle, buf: buf, err: err})
}

// RunEventLoopOnce performs one pass of SM processing, TX draining, RX
// polling, background-bridge draining, and (at most once per
// KPktLossEpoch) the loss-detection sweep, in that fixed order. It never
// blocks.
func (e *Endpoint) RunEventLoopOnce(ctx context.Context) error {
	e.assertLoopThread()
	defer e.releaseLoopThread()
	return e.runOnceLocked(ctx)
}

func (e *Endpoint) runOnceLocked(ctx context.Context) error {
	e.drainSMInbox()
	e.flushTxQueue()
	if err := e.rxPoll(ctx); err != nil {
		return err
	}
	e.drainBackground()
	now := e.now()
	if now.Sub(e.lastLossScan) >= KPktLossEpoch {
		e.lastLossScan = now
		e.scanLosses()
		e.scanSMTimeouts()
	}
	return nil
}

// RunEventLoopFor busy-polls RunEventLoopOnce until d elapses or ctx is
// canceled.
func (e *Endpoint) RunEventLoopFor(ctx context.Context, d time.Duration) error {
	deadline := e.now().Add(d)
	for e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.RunEventLoopOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunEventLoopForever busy-polls RunEventLoopOnce until ctx is canceled.
func (e *Endpoint) RunEventLoopForever(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.RunEventLoopOnce(ctx); err != nil {
			return err
		}
	}
}

// Close releases the underlying transport and stops accepting further
// background-bridge submissions.
func (e *Endpoint) Close() error {
	e.bg.close()
	return e.tr.Close()
}
