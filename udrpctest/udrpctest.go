// Package udrpctest provides support code for testing pairs of connected
// Endpoints without a real network or Broker.
package udrpctest

import (
	"context"
	"fmt"

	"github.com/flowmesh/udrpc"
	"github.com/flowmesh/udrpc/transport"
)

// Pair is two Endpoints connected over an in-memory transport.Local link,
// with their session-management traffic wired directly to each other's
// inbox instead of through a Broker.
type Pair struct {
	A, B *udrpc.Endpoint

	hostA, hostB string
	idA, idB     byte
	chA, chB     chan []byte
	eventsA      []udrpc.SMEvent
	eventsB      []udrpc.SMEvent
}

// NewLocal constructs a Pair of freshly-created Endpoints, A and B, neither
// of which has a session established yet. extra, if given, is applied to
// both Endpoints' Config before construction (e.g. to set Window or
// Credits); pass nil for defaults.
func NewLocal(extra func(*udrpc.Config)) (*Pair, error) {
	trA, trB := transport.NewLocalPair(transport.RoutingInfo("A"), transport.RoutingInfo("B"))

	p := &Pair{
		hostA: "A", hostB: "B",
		idA: 1, idB: 2,
		chA: make(chan []byte, 64),
		chB: make(chan []byte, 64),
	}

	cfgA := udrpc.Config{
		EndpointID: p.idA,
		SelfHost:   p.hostA,
		SMInbox:    p.chA,
		SMSend:     p.sendFrom(p.hostA),
		SMCallback: func(ev udrpc.SMEvent) { p.eventsA = append(p.eventsA, ev) },
	}
	cfgB := udrpc.Config{
		EndpointID: p.idB,
		SelfHost:   p.hostB,
		SMInbox:    p.chB,
		SMSend:     p.sendFrom(p.hostB),
		SMCallback: func(ev udrpc.SMEvent) { p.eventsB = append(p.eventsB, ev) },
	}
	if extra != nil {
		extra(&cfgA)
		extra(&cfgB)
	}

	a, err := udrpc.New(trA, cfgA)
	if err != nil {
		return nil, fmt.Errorf("udrpctest: new endpoint A: %w", err)
	}
	b, err := udrpc.New(trB, cfgB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("udrpctest: new endpoint B: %w", err)
	}
	p.A, p.B = a, b
	return p, nil
}

func (p *Pair) sendFrom(srcHost string) func(destHost string, data []byte) error {
	return func(destHost string, data []byte) error {
		switch destHost {
		case p.hostA:
			p.chA <- data
		case p.hostB:
			p.chB <- data
		default:
			return fmt.Errorf("udrpctest: unknown destination host %q", destHost)
		}
		return nil
	}
}

// Pump runs one event-loop iteration on each of A and B, in that order.
func (p *Pair) Pump(ctx context.Context) error {
	if err := p.A.RunEventLoopOnce(ctx); err != nil {
		return err
	}
	return p.B.RunEventLoopOnce(ctx)
}

// PumpUntil calls Pump repeatedly, up to maxIters times, until done reports
// true. It returns an error if done never becomes true.
func (p *Pair) PumpUntil(ctx context.Context, maxIters int, done func() bool) error {
	for i := 0; i < maxIters; i++ {
		if done() {
			return nil
		}
		if err := p.Pump(ctx); err != nil {
			return err
		}
	}
	if done() {
		return nil
	}
	return fmt.Errorf("udrpctest: condition not met after %d pumps", maxIters)
}

// Connect establishes a session from A to B and pumps both endpoints until
// the handshake completes (or fails), returning the local session numbers
// on each side.
func (p *Pair) Connect(ctx context.Context) (sessA, sessB uint16, err error) {
	sessA, err = p.A.CreateSession(p.hostB, p.idB)
	if err != nil {
		return 0, 0, fmt.Errorf("udrpctest: CreateSession: %w", err)
	}
	startA, startB := len(p.eventsA), len(p.eventsB)
	err = p.PumpUntil(ctx, 1000, func() bool {
		return len(p.eventsA) > startA && len(p.eventsB) > startB
	})
	if err != nil {
		return 0, 0, err
	}
	evA := p.eventsA[len(p.eventsA)-1]
	if evA.Kind != udrpc.SMEventConnected {
		return 0, 0, fmt.Errorf("udrpctest: connect failed on A: %v", evA)
	}
	evB := p.eventsB[len(p.eventsB)-1]
	if evB.Kind != udrpc.SMEventConnected {
		return 0, 0, fmt.Errorf("udrpctest: connect failed on B: %v", evB)
	}
	return sessA, evB.SessionNum, nil
}

// EventsA returns every SMEvent A's Config.SMCallback has observed so far.
func (p *Pair) EventsA() []udrpc.SMEvent { return append([]udrpc.SMEvent(nil), p.eventsA...) }

// EventsB returns every SMEvent B's Config.SMCallback has observed so far.
func (p *Pair) EventsB() []udrpc.SMEvent { return append([]udrpc.SMEvent(nil), p.eventsB...) }

// Close releases both endpoints' transports.
func (p *Pair) Close() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}
