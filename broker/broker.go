// Package broker provides the cross-host relay a udrpc.Endpoint uses to
// exchange session-management packets and fault-injection commands with
// endpoints on other hosts. One Broker runs per host process: every local
// Endpoint registers with it to obtain the Config.SMSend function and
// Config.SMInbox channel it needs, and the Broker maintains the TCP
// connections to remote hosts' brokers that those calls are relayed over.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/flowmesh/udrpc/packet"
	"go.uber.org/zap"
)

// Broker relays session-management and fault-injection payloads between the
// endpoints registered on this host and the brokers of other hosts. Its
// zero value is not usable; construct with New.
type Broker struct {
	selfHost string
	log      *zap.Logger

	mu        sync.Mutex
	inboxes   map[byte]chan []byte
	conns     map[string]net.Conn // remote host -> established outbound connection
	connGroup *taskgroup.Group
	dialer    func(ctx context.Context, host string) (net.Conn, error)

	// workQueue and workerTasks implement the shared, bounded heavy-handler
	// pool of protocol design §4.H: "if worker_count > 0, the Broker runs
	// worker_count worker threads shared across endpoints on the host". A
	// Broker built with workerCount == 0 leaves workQueue nil, and RunHeavy
	// then spawns one goroutine per call instead, same as having no pool.
	workQueue   chan func()
	workerTasks *taskgroup.Group
}

// New constructs a Broker for selfHost. dial is used to open an outbound
// connection to a remote broker's address; pass net.Dialer.DialContext (or
// equivalent) in production, or a custom func for testing. workerCount, if
// positive, starts that many worker goroutines shared by every Endpoint this
// Broker later Registers, for running their heavy handlers and
// continuations; zero disables the shared pool.
func New(selfHost string, log *zap.Logger, workerCount int, dial func(ctx context.Context, host string) (net.Conn, error)) *Broker {
	if log == nil {
		log, _ = zap.NewDevelopment()
	}
	b := &Broker{
		selfHost:    selfHost,
		log:         log.With(zap.String("broker_host", selfHost)),
		inboxes:     make(map[byte]chan []byte),
		conns:       make(map[string]net.Conn),
		connGroup:   taskgroup.New(nil),
		workerTasks: taskgroup.New(nil),
		dialer:      dial,
	}
	if workerCount > 0 {
		b.workQueue = make(chan func(), workerCount*4)
		for i := 0; i < workerCount; i++ {
			b.workerTasks.Go(b.runWorker)
		}
	}
	return b
}

func (b *Broker) runWorker() error {
	for task := range b.workQueue {
		task()
	}
	return nil
}

// RunHeavy submits task to run on the shared worker pool, or on its own
// goroutine if this Broker has no pool (workerCount == 0) or the pool's
// queue is momentarily full — RunHeavy never blocks its caller, which is
// normally an Endpoint's event-loop thread.
func (b *Broker) RunHeavy(task func()) {
	if b.workQueue == nil {
		go task()
		return
	}
	select {
	case b.workQueue <- task:
	default:
		go task()
	}
}

// Register creates an inbox for endpointID and returns the functions a
// udrpc.Endpoint needs: the channel to pass as Config.SMInbox, the send
// function to pass as Config.SMSend, and the shared heavy-handler runner to
// pass as Config.RunHeavy. Calling Register twice for the same ID replaces
// the previous inbox (the old channel is closed).
func (b *Broker) Register(endpointID byte) (inbox <-chan []byte, send func(destHost string, data []byte) error, run func(task func())) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.inboxes[endpointID]; ok {
		close(old)
	}
	ch := make(chan []byte, 64)
	b.inboxes[endpointID] = ch
	return ch, func(destHost string, data []byte) error { return b.send(destHost, data) }, b.RunHeavy
}

// Deregister removes endpointID's inbox and closes its channel.
func (b *Broker) Deregister(endpointID byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[endpointID]; ok {
		close(ch)
		delete(b.inboxes, endpointID)
	}
}

func (b *Broker) send(destHost string, data []byte) error {
	if destHost == b.selfHost {
		return b.deliverLocal(data)
	}
	conn, err := b.dialConn(context.Background(), destHost)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", destHost, err)
	}
	return writeFrame(conn, data)
}

func (b *Broker) dialConn(ctx context.Context, host string) (net.Conn, error) {
	b.mu.Lock()
	if conn, ok := b.conns[host]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	conn, err := b.dialer(ctx, host)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if existing, ok := b.conns[host]; ok {
		b.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	b.conns[host] = conn
	b.mu.Unlock()

	b.connGroup.Go(func() error { return b.readLoop(conn) })
	return conn, nil
}

// deliverLocal routes data, relayed either over the wire from a remote
// broker or produced by a local caller addressed to itself, to the right
// local inbox. A wire.SMPacket is routed by its DestEndpointID byte (offset
// 2 of the encoding); a FaultCommand carries no destination endpoint and is
// broadcast to every locally registered inbox, since fault injection is
// host- not endpoint-addressed in this protocol.
func (b *Broker) deliverLocal(data []byte) error {
	const faultMarker = 0xFF
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) > 0 && data[0] == faultMarker {
		for id, ch := range b.inboxes {
			select {
			case ch <- data:
			default:
				b.log.Warn("dropping fault command: inbox full", zap.Uint8("endpoint_id", id))
			}
		}
		return nil
	}
	if len(data) < 3 {
		return errors.New("broker: short sm packet")
	}
	destID := data[2]
	ch, ok := b.inboxes[destID]
	if !ok {
		return fmt.Errorf("broker: no local endpoint %d registered", destID)
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("broker: inbox for endpoint %d is full", destID)
	}
}

// Serve accepts connections from other hosts' brokers on lst, reading one
// length-prefixed frame stream per connection and routing each frame to
// deliverLocal. Serve runs until lst is closed, at which point it waits for
// in-flight connection handlers to exit before returning. Canceling ctx
// closes the connections already accepted; it does not stop the accept loop.
func (b *Broker) Serve(ctx context.Context, lst net.Listener) error {
	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { <-sctx.Done(); conn.Close() }()
			return b.readLoop(conn)
		})
	}
}

func (b *Broker) readLoop(conn net.Conn) error {
	defer conn.Close()
	for {
		data, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if derr := b.deliverLocal(data); derr != nil {
			b.log.Warn("dropping relayed frame", zap.Error(derr))
		}
	}
}

// Close shuts down every remote connection this Broker opened, stops the
// shared worker pool once its queue drains, and waits for both to exit.
func (b *Broker) Close() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]net.Conn)
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	b.connGroup.Wait()
	if b.workQueue != nil {
		close(b.workQueue)
	}
	b.workerTasks.Wait()
	return nil
}

// writeFrame and readFrame delegate to the packet package's Vint30-prefixed
// stream framing, the same self-framing scheme an in-memory wire.SMPacket
// would be scanned with.
func writeFrame(w io.Writer, data []byte) error { return packet.WriteFrame(w, data) }
func readFrame(r io.Reader) ([]byte, error)     { return packet.ReadFrame(r) }
