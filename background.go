package udrpc

import (
	"sync"

	"github.com/creachadair/taskgroup"
)

// HeavyRunner submits task to run off the event-loop thread. A
// broker.Broker constructed with a positive worker count returns one bound
// to its own fixed-size shared pool (protocol design §4.H: "if worker_count
// > 0, the Broker runs worker_count worker threads shared across
// endpoints"); an Endpoint given no HeavyRunner falls back to a private,
// unbounded pool of its own (see newBackgroundBridge), which is what
// udrpctest.NewLocal's direct Endpoint pairs get since they have no Broker
// at all.
type HeavyRunner func(task func())

// bgRequest is handed to a worker goroutine to run a heavy Handler outside
// the event-loop thread.
type bgRequest struct {
	req     *Request
	handler Handler
	handle  RequestHandle
}

// bgRequestResult is the outcome of a bgRequest, picked back up by the event
// loop.
type bgRequestResult struct {
	handle RequestHandle
	buf    *MessageBuffer
	err    error
}

// bgContinuation is handed to a worker goroutine to run a heavy Continuation
// outside the event-loop thread.
type bgContinuation struct {
	cont Continuation
	resp *Response
}

// bgResponse is submitted by EnqueueResponse (from any goroutine) to deliver
// a Handler's asynchronously-produced response back onto the event loop.
type bgResponse struct {
	handle RequestHandle
	buf    *MessageBuffer
	err    error
}

// backgroundBridge is the sole crossing point between the Endpoint's
// single-threaded datapath and a pool of worker goroutines used to run heavy
// handlers and continuations. Heavy work leaves the event loop through run;
// what comes back crosses through two queues guarded by mu: results (fed by
// workers running heavy handlers) and resps (fed by EnqueueResponse), both
// drained by the event loop via drainBackground.
type backgroundBridge struct {
	run HeavyRunner

	// tasks tracks the goroutines run's own fallback closure spawns, so
	// close can wait for them to drain; a caller-supplied run (backed by a
	// broker.Broker's shared pool) tracks its own goroutines and close does
	// not wait on those here.
	tasks *taskgroup.Group

	mu      sync.Mutex
	results []bgRequestResult
	resps   []bgResponse

	closed bool
}

// newBackgroundBridge builds a bridge that submits heavy work through run.
// A nil run means this Endpoint has no broker.Broker (or one with
// worker_count == 0) to share a pool with: the bridge falls back to an
// unbounded private taskgroup.Group instead, one goroutine per heavy call.
func newBackgroundBridge(run HeavyRunner) *backgroundBridge {
	b := &backgroundBridge{tasks: taskgroup.New(nil)}
	if run != nil {
		b.run = run
	} else {
		b.run = func(task func()) { b.tasks.Go(func() error { task(); return nil }) }
	}
	return b
}

// runHeavyRequest submits req to run against handler off the event-loop
// thread, posting the outcome to the result queue for the event loop to pick
// up on a later drainBackground call.
func (b *backgroundBridge) runHeavyRequest(br bgRequest) {
	b.run(func() {
		buf, err := br.handler(br.req.ctx, br.req)
		b.mu.Lock()
		b.results = append(b.results, bgRequestResult{handle: br.handle, buf: buf, err: err})
		b.mu.Unlock()
	})
}

// runHeavyContinuation submits a heavy Continuation to run off the
// event-loop thread.
func (b *backgroundBridge) runHeavyContinuation(bc bgContinuation) {
	b.run(func() { bc.cont(bc.resp) })
}

// submitResponse is the public entry point for Endpoint.EnqueueResponse; it
// may be called from any goroutine.
func (b *backgroundBridge) submitResponse(r bgResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.resps = append(b.resps, r)
}

// drain returns and clears both pending-result queues in one locked step.
func (b *backgroundBridge) drain() ([]bgRequestResult, []bgResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	results, resps := b.results, b.resps
	b.results, b.resps = nil, nil
	return results, resps
}

func (b *backgroundBridge) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.tasks.Wait()
}

// drainBackground picks up results from heavy handlers and EnqueueResponse
// calls and feeds them into the normal response/request-completion paths,
// exactly as if they had completed synchronously on the event-loop thread.
func (e *Endpoint) drainBackground() {
	results, resps := e.bg.drain()
	for _, r := range results {
		e.completeHandlerResult(r.handle, r.buf, r.err)
	}
	for _, r := range resps {
		e.completeHandlerResult(r.handle, r.buf, r.err)
	}
}
