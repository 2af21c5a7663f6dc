package udrpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/flowmesh/udrpc"
	"github.com/flowmesh/udrpc/udrpctest"
)

const (
	reqTypeEcho = 1
	reqTypeSum  = 2
)

func connectPair(t *testing.T, extra func(*udrpc.Config)) (*udrpctest.Pair, uint16, uint16) {
	t.Helper()
	pair, err := udrpctest.NewLocal(extra)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { pair.Close() })

	sessA, sessB, err := pair.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return pair, sessA, sessB
}

func echoHandler(t *testing.T, ep *udrpc.Endpoint) udrpc.Handler {
	return func(_ context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		buf, err := ep.AllocMsgBuffer(len(req.Data()))
		if err != nil {
			t.Fatalf("AllocMsgBuffer: %v", err)
		}
		copy(buf.Payload(), req.Data())
		return buf, nil
	}
}

// TestSinglePacketEcho issues one request whose payload fits in a single
// packet and checks the response matches exactly.
func TestSinglePacketEcho(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	pair.B.Handle(reqTypeEcho, echoHandler(t, pair.B))

	buf, err := pair.A.AllocMsgBuffer(32)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	if buf.NumPkts() != 1 {
		t.Fatalf("NumPkts = %d, want 1", buf.NumPkts())
	}
	want := []byte("hello from session A..............")[:32]
	copy(buf.Payload(), want)

	var gotData []byte
	var gotErr error
	done := false
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		gotErr = resp.Err()
		if gotErr == nil {
			gotData = append([]byte(nil), resp.Data()...)
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	if err := pair.PumpUntil(context.Background(), 1000, func() bool { return done }); err != nil {
		t.Fatalf("PumpUntil: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("response error: %v", gotErr)
	}
	if diff := cmp.Diff(want, gotData); diff != "" {
		t.Errorf("echoed payload (-want, +got):\n%s", diff)
	}
}

// TestMultiPacketRoundTrip sends a payload spanning multiple packets and
// checks the exact packet count implied by the message size, plus that
// reassembly on both legs is byte-exact.
func TestMultiPacketRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	pair.B.Handle(reqTypeEcho, echoHandler(t, pair.B))

	const payloadLen = 2500 // spans 3 packets at KMaxDataPerPkt=1024
	buf, err := pair.A.AllocMsgBuffer(payloadLen)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	if got, want := buf.NumPkts(), 3; got != want {
		t.Fatalf("NumPkts = %d, want %d", got, want)
	}
	for i := range buf.Payload() {
		buf.Payload()[i] = byte(i)
	}
	want := append([]byte(nil), buf.Payload()...)

	var gotData []byte
	var gotErr error
	done := false
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		gotErr = resp.Err()
		if gotErr == nil {
			gotData = append([]byte(nil), resp.Data()...)
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	if err := pair.PumpUntil(context.Background(), 1000, func() bool { return done }); err != nil {
		t.Fatalf("PumpUntil: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("response error: %v", gotErr)
	}
	if diff := cmp.Diff(want, gotData); diff != "" {
		t.Errorf("echoed payload mismatch (-want, +got diff is %d bytes long)", len(diff))
	}
}

// TestCreditExhaustion fills a session's request window (W=C=8 by default)
// and checks that the ninth EnqueueRequest is rejected with
// ErrCodeRingExhausted.
func TestCreditExhaustion(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	// B never runs a handler in this test: every request is left pending so
	// the window stays full for the duration of the test.
	pair.B.HandleHeavy(reqTypeEcho, func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	enqueue := func() error {
		buf, err := pair.A.AllocMsgBuffer(8)
		if err != nil {
			return err
		}
		return pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
			if resp.Err() == nil {
				resp.Release()
			}
		}, nil)
	}

	for i := 0; i < udrpc.DefaultWindowSize; i++ {
		if err := enqueue(); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	err := enqueue()
	if err == nil {
		t.Fatal("9th EnqueueRequest unexpectedly succeeded")
	}
	if !udrpc.ErrCodeRingExhausted.Is(err) {
		t.Errorf("9th EnqueueRequest error = %v, want ErrCodeRingExhausted", err)
	}
}

// TestRetransmitOnInjectedLoss drops the first outbound packet of a request
// via fault injection and checks that the loss-detection sweep retransmits
// it and the request still completes.
func TestRetransmitOnInjectedLoss(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	pair.B.Handle(reqTypeEcho, echoHandler(t, pair.B))

	if err := pair.A.FaultDropNthTxPacket(1); err != nil {
		t.Fatalf("FaultDropNthTxPacket: %v", err)
	}

	buf, err := pair.A.AllocMsgBuffer(16)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	copy(buf.Payload(), []byte("retransmit me..."))

	done := false
	var gotErr error
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		gotErr = resp.Err()
		if gotErr == nil {
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !done && time.Now().Before(deadline) {
		if err := pair.Pump(context.Background()); err != nil {
			t.Fatalf("Pump: %v", err)
		}
	}
	if !done {
		t.Fatal("request never completed after injected loss")
	}
	if gotErr != nil {
		t.Fatalf("response error after retransmit: %v", gotErr)
	}

	st := pair.A.Stats()
	if st.LossAgeSamples == 0 {
		t.Error("expected at least one loss-age sample to be recorded")
	}
}

// TestDisconnectAbortsInFlight checks that a request still outstanding when
// its session is torn down (via fault injection, simulating an unsolicited
// remote DISCONNECT) is delivered to its continuation as ErrCodeAborted
// rather than left to hang forever.
func TestDisconnectAbortsInFlight(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	// The request context is never canceled and Close waits for heavy
	// handlers, so the handler is released when the test returns.
	release := make(chan struct{})
	defer close(release)
	pair.B.HandleHeavy(reqTypeEcho, func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return nil, nil
		}
	})

	buf, err := pair.A.AllocMsgBuffer(8)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}

	done := false
	var gotErr error
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		gotErr = resp.Err()
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	// Give the request a chance to reach B before tearing A's session down.
	for i := 0; i < 4; i++ {
		if err := pair.Pump(context.Background()); err != nil {
			t.Fatalf("Pump: %v", err)
		}
	}

	if err := pair.A.FaultDisconnectSession(sessA); err != nil {
		t.Fatalf("FaultDisconnectSession: %v", err)
	}

	if !done {
		t.Fatal("continuation was not invoked synchronously by FaultDisconnectSession")
	}
	if !udrpc.ErrCodeAborted.Is(gotErr) {
		t.Errorf("continuation error = %v, want ErrCodeAborted", gotErr)
	}
}

// TestHeavyHandlerProgressesDuringSleep checks that a HandleHeavy handler
// runs on a background goroutine and its result is picked up by a later
// RunEventLoopOnce call even though the handler blocks past any single
// iteration.
func TestHeavyHandlerProgressesDuringSleep(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	release := make(chan struct{})
	pair.B.HandleHeavy(reqTypeSum, func(_ context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		<-release
		buf, err := pair.B.AllocMsgBuffer(len(req.Data()))
		if err != nil {
			return nil, err
		}
		copy(buf.Payload(), req.Data())
		return buf, nil
	})

	buf, err := pair.A.AllocMsgBuffer(4)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	copy(buf.Payload(), []byte("work"))

	done := false
	if err := pair.A.EnqueueRequest(sessA, reqTypeSum, buf, func(resp *udrpc.Response) {
		done = true
		if resp.Err() == nil {
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	// Pump a bounded number of times while the heavy handler is still
	// blocked: the request must not complete yet.
	for i := 0; i < 20; i++ {
		if err := pair.Pump(context.Background()); err != nil {
			t.Fatalf("Pump: %v", err)
		}
	}
	if done {
		t.Fatal("request completed before the heavy handler was released")
	}

	close(release)
	if err := pair.PumpUntil(context.Background(), 2000, func() bool { return done }); err != nil {
		t.Fatalf("PumpUntil after release: %v", err)
	}
}

// TestReentrantCallPanics checks that a synchronous Handler calling back
// into its own Endpoint (here, EnqueueRequest) panics instead of deadlocking
// or corrupting state, since a Handler registered via Handle runs on the
// event-loop goroutine while RunEventLoopOnce already holds the
// single-caller guard.
func TestReentrantCallPanics(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	pair.B.Handle(reqTypeEcho, func(_ context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		pair.B.EnqueueRequest(sessA, reqTypeEcho, nil, func(*udrpc.Response) {}, nil)
		return nil, nil
	})

	buf, err := pair.A.AllocMsgBuffer(4)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(*udrpc.Response) {}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	got := mtest.MustPanic(t, func() {
		// Pumping A delivers the request to B's event loop, which invokes
		// the reentrant handler above from inside RunEventLoopOnce.
		for i := 0; i < 10; i++ {
			pair.Pump(context.Background())
		}
	}).(string)
	if !containsConcurrentUse(got) {
		t.Errorf("panic value = %q, want a message about concurrent Endpoint use", got)
	}
}

func containsConcurrentUse(s string) bool {
	const want = "concurrent use of an Endpoint"
	for i := 0; i+len(want) <= len(s); i++ {
		if s[i:i+len(want)] == want {
			return true
		}
	}
	return false
}

// TestEnqueueRequestBadSessionNum checks that EnqueueRequest against a
// session number that was never established reports ErrCodeNoSessionNum
// rather than panicking or silently dropping the buffer.
func TestEnqueueRequestBadSessionNum(t *testing.T) {
	defer leaktest.Check(t)()

	pair, err := udrpctest.NewLocal(nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer pair.Close()

	buf, err := pair.A.AllocMsgBuffer(4)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	err = pair.A.EnqueueRequest(999, reqTypeEcho, buf, func(*udrpc.Response) {}, nil)
	if err == nil {
		t.Fatal("EnqueueRequest on an unestablished session unexpectedly succeeded")
	}
	if !udrpc.ErrCodeNoSessionNum.Is(err) {
		t.Errorf("error = %v, want ErrCodeNoSessionNum", err)
	}
}

// shadowTracker records every ownership transition SetShadowObserver reports
// and poisons a buffer's payload the moment it is freed, so a stale read
// after that point comes back visibly corrupted instead of silently looking
// valid.
type shadowTracker struct {
	mu       sync.Mutex
	owners   map[uint64][]udrpc.ShadowOwner
	freedBuf map[uint64][]byte // payload captured just before Release clears the buffer
	conflict string
}

func newShadowTracker() *shadowTracker {
	return &shadowTracker{
		owners:   make(map[uint64][]udrpc.ShadowOwner),
		freedBuf: make(map[uint64][]byte),
	}
}

func (s *shadowTracker) observe(buf *udrpc.MessageBuffer, owner udrpc.ShadowOwner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := buf.ShadowTag()
	if _, alreadyFreed := s.freedBuf[tag]; alreadyFreed && s.conflict == "" {
		s.conflict = "buffer observed with a new owner after it was already freed"
	}
	s.owners[tag] = append(s.owners[tag], owner)
	if owner == udrpc.ShadowOwnerFreed {
		buf.PoisonPayload(0xAA)
		s.freedBuf[tag] = buf.Payload()
	}
}

// checkPoisoned verifies every buffer this tracker saw freed still reads
// back as pure poison fill: nothing re-touched its storage without going
// through the observer (which would have appended another owner instead).
func (s *shadowTracker) checkPoisoned(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict != "" {
		t.Error(s.conflict)
	}
	if len(s.freedBuf) == 0 {
		t.Fatal("shadow observer never saw a buffer freed")
	}
	for tag, payload := range s.freedBuf {
		for i, b := range payload {
			if b != 0xAA {
				t.Errorf("buffer %d: payload byte %d = %#x after free, want poison 0xAA (use-after-free)", tag, i, b)
				break
			}
		}
	}
}

// TestShadowOwnershipTracker drives a multi-packet echo round trip with a
// shadow observer installed on both endpoints and checks that every dynamic
// MessageBuffer it saw transitions cleanly through the user/slot.tx/slot.rx
// states to exactly one ShadowOwnerFreed, with no buffer observed again
// afterward, and that freed buffers read back as poisoned rather than as
// silently-valid stale data.
func TestShadowOwnershipTracker(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)
	tracker := newShadowTracker()
	pair.A.SetShadowObserver(tracker.observe)
	pair.B.SetShadowObserver(tracker.observe)
	pair.B.Handle(reqTypeEcho, echoHandler(t, pair.B))

	const payloadLen = 4096 // several packets: exercises real (non-fake) buffers throughout
	buf, err := pair.A.AllocMsgBuffer(payloadLen)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	for i := range buf.Payload() {
		buf.Payload()[i] = byte(i)
	}
	want := append([]byte(nil), buf.Payload()...)

	var gotData []byte
	var gotErr error
	done := false
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		gotErr = resp.Err()
		if gotErr == nil {
			gotData = append([]byte(nil), resp.Data()...)
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	if err := pair.PumpUntil(context.Background(), 1000, func() bool { return done }); err != nil {
		t.Fatalf("PumpUntil: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("response error: %v", gotErr)
	}
	if diff := cmp.Diff(want, gotData); diff != "" {
		t.Errorf("echoed payload (-want, +got):\n%s", diff)
	}

	tracker.checkPoisoned(t)
}

// TestHandleOverwritesPreviousRegistration checks that registering a second
// Handler for an already-registered reqType replaces the first one, rather
// than both running or the registration being rejected.
func TestHandleOverwritesPreviousRegistration(t *testing.T) {
	defer leaktest.Check(t)()

	pair, sessA, _ := connectPair(t, nil)

	var calls int
	pair.B.Handle(reqTypeEcho, func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		calls++
		return echoHandler(t, pair.B)(ctx, req)
	})
	pair.B.Handle(reqTypeEcho, echoHandler(t, pair.B)) // replaces the counting handler above

	buf, err := pair.A.AllocMsgBuffer(4)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	done := false
	if err := pair.A.EnqueueRequest(sessA, reqTypeEcho, buf, func(resp *udrpc.Response) {
		done = true
		if resp.Err() == nil {
			resp.Release()
		}
	}, nil); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}
	if err := pair.PumpUntil(context.Background(), 1000, func() bool { return done }); err != nil {
		t.Fatalf("PumpUntil: %v", err)
	}
	if calls != 0 {
		t.Errorf("the replaced handler ran %d times, want 0", calls)
	}
}
