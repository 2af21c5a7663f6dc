package udrpc

import "context"

// Request is the argument delivered to a registered Handler for one inbound
// request packet train.
type Request struct {
	ctx        context.Context
	endpoint   *Endpoint
	sessionNum uint16
	reqType    byte
	reqNum     uint64
	buf        *MessageBuffer
}

// Data returns the request's payload bytes. The returned slice is only valid
// for the duration of the handler call unless the handler retains buf itself
// (see Request.Buffer).
func (r *Request) Data() []byte { return r.buf.Payload() }

// Buffer returns the underlying MessageBuffer, for a handler that wants to
// reuse its storage (e.g. an in-place echo response) instead of allocating a
// fresh one.
func (r *Request) Buffer() *MessageBuffer { return r.buf }

// SessionNum reports which session this request arrived on.
func (r *Request) SessionNum() uint16 { return r.sessionNum }

// Type reports the request's mnemonic type byte, as registered with Handle.
func (r *Request) Type() byte { return r.reqType }

// Handler processes one inbound request and returns the MessageBuffer to
// send back as its response. A non-nil error, like a nil, nil return, sends
// a zero-length response; the error itself is not carried to the requester,
// whose Response then has a nil Err and empty Data.
//
// A Handler registered via Endpoint.Handle runs synchronously on the
// Endpoint's own event-loop goroutine and must not block. A Handler
// registered via Endpoint.HandleHeavy runs on a worker goroutine instead
// (see Config.RunHeavy).
type Handler func(ctx context.Context, req *Request) (*MessageBuffer, error)

// Response is the argument delivered to a Continuation once a request
// completes, successfully or not.
type Response struct {
	endpoint   *Endpoint
	sessionNum uint16
	reqNum     uint64
	tag        any
	buf        *MessageBuffer // nil if Err is set
	err        error
}

// Data returns the response payload. It panics if Err is non-nil; check Err
// first.
func (r *Response) Data() []byte { return r.buf.Payload() }

// Buffer returns the underlying MessageBuffer. Callers that do not call
// Release on it via Response will leak a dynamic buffer back to the
// allocator free list.
func (r *Response) Buffer() *MessageBuffer { return r.buf }

// Release returns the response buffer's storage to its Allocator. It is safe
// to call even when Err is set (it is then a no-op, since buf is nil).
func (r *Response) Release() {
	if r.buf == nil {
		return
	}
	if r.endpoint != nil {
		r.endpoint.releaseBuf(r.buf)
		return
	}
	r.buf.Release()
}

// Err reports the typed failure reason if the request could not be
// completed (session disconnected mid-flight, local abort, and so on).
func (r *Response) Err() error { return r.err }

// Tag returns the opaque value passed to EnqueueRequest, letting a single
// Continuation function disambiguate which logical call a Response answers.
func (r *Response) Tag() any { return r.tag }

// Continuation is invoked exactly once per request issued with
// EnqueueRequest, either with a successful Response or one carrying a
// non-nil Err.
//
// A Continuation registered as heavy (EnqueueRequestHeavy) runs on a
// worker goroutine (see Config.RunHeavy); otherwise it runs synchronously on the
// Endpoint's event-loop goroutine and must not block.
type Continuation func(resp *Response)

// RequestHandle identifies one in-flight inbound request for use with
// EnqueueResponse, when a Handler wants to return control to the event loop
// immediately and supply the response asynchronously later (e.g. after an
// async I/O callback completes).
type RequestHandle struct {
	sessionNum uint16
	reqNum     uint64
}
