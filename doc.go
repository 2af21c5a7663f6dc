// Copyright (C) 2026 The udrpc Authors. All Rights Reserved.

// Package udrpc implements the core datapath of a microsecond-latency
// request/response RPC runtime for lossy, unreliable packet transports such
// as InfiniBand/RoCE/DPDK (a real verbs/DPDK driver is out of scope; see the
// transport package for the loopback and UDP stand-ins this repository
// ships).
//
// # Endpoints and sessions
//
// The core type is [Endpoint]: a per-thread object that owns a transport
// channel and a population of connected [Session] values. Endpoints are
// cooperative single-threaded: all non-static datapath methods must be
// called from the goroutine that constructed the Endpoint. At runtime they
// panic if two calls on the same Endpoint overlap; the goroutine's identity
// itself is not checked.
//
//	inbox, send, runHeavy := brk.Register(1)
//	ep, err := udrpc.New(localTransport, udrpc.Config{EndpointID: 1, SMInbox: inbox, SMSend: send, RunHeavy: runHeavy, SMCallback: onSM})
//	sessionNum, err := ep.CreateSession("peer-host", 2)
//
// # Requests and responses
//
// Register handlers for inbound requests with [Endpoint.Handle]:
//
//	ep.Handle(7, func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
//	    buf, _ := ep.AllocMsgBuffer(len(req.Data()))
//	    copy(buf.Payload(), req.Data())
//	    return buf, nil
//	})
//
// Issue requests to a connected session with [Endpoint.EnqueueRequest]; the
// continuation is invoked once the response (or a typed failure) is
// available:
//
//	buf, _ := ep.AllocMsgBuffer(len(payload))
//	copy(buf.Payload(), payload)
//	err := ep.EnqueueRequest(sessionNum, 7, buf, func(resp *udrpc.Response) {
//	    defer resp.Release()
//	    handleResponse(resp.Data())
//	}, tag)
//
// # Event loop
//
// Nothing in Endpoint blocks on I/O. The caller drives all progress by
// calling [Endpoint.RunEventLoopOnce] (one pass), [Endpoint.RunEventLoopFor]
// (busy-poll for a bounded duration), or [Endpoint.RunEventLoopForever].
//
// # Background handlers
//
// A handler or continuation registered as "heavy" (see
// [Endpoint.HandleHeavy]) is executed on a worker goroutine rather than the
// endpoint's own thread, so a slow handler does not stall the datapath: the
// broker's shared pool when Config.RunHeavy is set, otherwise one goroutine
// per call started by the endpoint. Results come back through two
// explicitly-locked queues; slot state otherwise never leaves the owning
// thread.
package udrpc
