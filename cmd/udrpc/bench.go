package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/flowmesh/udrpc"
	"github.com/flowmesh/udrpc/udrpctest"
)

const benchReqType = 1

type benchOpts struct {
	Requests   int `flag:"requests,10000,number of requests to issue"`
	PayloadLen int `flag:"payload-bytes,64,request and response payload size in bytes"`
	Window     int `flag:"window,8,request window size (outstanding requests per session)"`
}

var benchOptsV benchOpts

var benchCmd = &command.C{
	Name:  "bench",
	Usage: "bench [flags]",
	Help: `Measure request/response latency over an in-process loopback pair.

Two Endpoints are connected over an in-memory transport (no socket, no
broker), a session is established between them, and the requested number of
echo requests are pumped through back-to-back. The resulting latency
percentiles come from the client Endpoint's own rolling RTT sample
(Endpoint.Stats); a serve process's /debug/vars and /metrics export packet
and session counters, not this sample.`,
	SetFlags: func(env *command.Env, fs *flag.FlagSet) {
		flax.MustBind(fs, &benchOptsV)
	},
	Run: runBench,
}

func runBench(env *command.Env) error {
	opts := benchOptsV
	ctx := context.Background()

	pair, err := udrpctest.NewLocal(func(cfg *udrpc.Config) {
		if opts.Window > 0 {
			cfg.Window = opts.Window
			cfg.Credits = opts.Window
		}
	})
	if err != nil {
		return fmt.Errorf("bench: connect pair: %w", err)
	}
	defer pair.Close()

	pair.B.Handle(benchReqType, func(_ context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		buf, err := pair.B.AllocMsgBuffer(len(req.Data()))
		if err != nil {
			return nil, err
		}
		copy(buf.Payload(), req.Data())
		return buf, nil
	})

	sessA, _, err := pair.Connect(ctx)
	if err != nil {
		return fmt.Errorf("bench: connect session: %w", err)
	}

	remaining := opts.Requests
	inFlight := 0
	failed := 0
	done := false

	issueOne := func() error {
		buf, err := pair.A.AllocMsgBuffer(opts.PayloadLen)
		if err != nil {
			return fmt.Errorf("bench: allocate request buffer: %w", err)
		}
		inFlight++
		return pair.A.EnqueueRequest(sessA, benchReqType, buf, func(resp *udrpc.Response) {
			inFlight--
			if resp.Err() != nil {
				failed++
			} else {
				resp.Release()
			}
			remaining--
			if remaining <= 0 && inFlight <= 0 {
				done = true
			}
		}, nil)
	}

	// Keep the request window full instead of issuing everything up front,
	// since enqueueing past Window outstanding requests on one session fails.
	fill := opts.Window
	if fill <= 0 {
		fill = 8
	}
	for i := 0; i < fill && remaining-inFlight > 0; i++ {
		if err := issueOne(); err != nil {
			return err
		}
	}

	var issueErr error
	err = pair.PumpUntil(ctx, 10*opts.Requests+1000, func() bool {
		for issueErr == nil && inFlight < fill && remaining-inFlight > 0 && !done {
			issueErr = issueOne()
		}
		return done || issueErr != nil
	})
	if issueErr != nil {
		return fmt.Errorf("bench: issue request: %w", issueErr)
	}
	if err != nil {
		return fmt.Errorf("bench: run requests: %w", err)
	}

	st := pair.A.Stats()
	fmt.Fprintf(os.Stdout, "requests=%d failed=%d samples=%d p50=%.1fus p99=%.1fus p999=%.1fus mean=%.1fus\n",
		opts.Requests, failed, st.Samples, st.P50Micros, st.P99Micros, st.P999Micros, st.MeanMicros)
	return nil
}
