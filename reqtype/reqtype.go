// Package reqtype defines a mapping from mnemonic string names to the
// single-byte request-type tags carried in every wire header. Names are
// never exchanged on the wire, but a Catalog can be encoded by a handler and
// sent from one endpoint to another as an ordinary request/response payload,
// letting two sides agree on a type assignment without a baked-in registry.
//
// # Usage
//
// Construct a new empty catalog and add request types to it:
//
//	cat := reqtype.New().Add("echo", "sum", "stream")
//
// Add assigns bytes systematically, so that repeating the same sequence of
// Add and Set calls always produces the same assignment. Recover the
// assigned byte with Lookup:
//
//	t := cat.Lookup("echo")
//
// Bind the catalog to an endpoint to register and call handlers by name:
//
//	cat.Bind(ep).Handle("echo", echoHandler)
//	err := cat.Bind(ep).Enqueue(sessionNum, "echo", buf, cont, nil)
package reqtype

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/flowmesh/udrpc"
)

// A Catalog associates an endpoint with a static mapping from request-type
// names to the single-byte tags Handle and EnqueueRequest use on the wire.
type Catalog struct {
	ep      *udrpc.Endpoint
	methods map[string]byte
}

// New creates a new empty, unbound catalog.
func New() Catalog { return Catalog{methods: make(map[string]byte)} }

// Add adds the specified names to c with fresh unused bytes, and returns c
// to allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to id in c, and returns c to allow chaining. If name was
// already mapped, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently without external
// synchronization.
func (c Catalog) Set(name string, id byte) Catalog {
	c.methods[name] = id
	return c
}

func (c Catalog) pickUnusedID() byte {
	var max byte
	var any bool
	for _, id := range c.methods {
		if !any || id > max {
			max, any = id, true
		}
	}
	if any {
		return max + 1
	}
	return 0
}

// Bind returns a copy of c bound to the given endpoint.
func (c Catalog) Bind(ep *udrpc.Endpoint) Catalog { return Catalog{ep: ep, methods: c.methods} }

// Endpoint returns the endpoint associated with c, or nil if unbound.
func (c Catalog) Endpoint() *udrpc.Endpoint { return c.ep }

// Lookup returns the byte assigned to name, or 0 if name has no mapping.
func (c Catalog) Lookup(name string) byte { return c.methods[name] }

// Handle registers handler for name's request type on the bound endpoint.
// Handle panics if c is not bound, or if name is not known to the catalog.
func (c Catalog) Handle(name string, h udrpc.Handler) Catalog {
	id, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("reqtype: name %q not known", name))
	}
	c.ep.Handle(id, h)
	return c
}

// HandleHeavy registers handler for name's request type as heavy (runs on a
// worker goroutine) on the bound endpoint. HandleHeavy panics if c is not
// bound, or if name is not known to the catalog.
func (c Catalog) HandleHeavy(name string, h udrpc.Handler) Catalog {
	id, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("reqtype: name %q not known", name))
	}
	c.ep.HandleHeavy(id, h)
	return c
}

// Enqueue issues a request of name's type on sessionNum using the bound
// endpoint. Enqueue panics if c is not bound.
func (c Catalog) Enqueue(sessionNum uint16, name string, buf *udrpc.MessageBuffer, cont udrpc.Continuation, tag any) error {
	return c.ep.EnqueueRequest(sessionNum, c.methods[name], buf, cont, tag)
}

// Encode encodes c in binary format.
//
// The wire format comprises the names of all defined request types in
// lexicographic order, each as a big-endian uint16 length followed by that
// many bytes of the name, followed by the corresponding one-byte ID.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	var size int
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
		size += 2 + len(name) + 1
	}
	sort.Strings(names)
	buf := make([]byte, size)
	pos := 0
	for _, name := range names {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(name)))
		pos += 2
		pos += copy(buf[pos:], name)
		buf[pos] = c.methods[name]
		pos++
	}
	return buf
}

// Decode decodes data as a Catalog payload, replacing c's current mapping.
func (c *Catalog) Decode(data []byte) error {
	if c.methods == nil {
		c.methods = make(map[string]byte)
	} else {
		clear(c.methods)
	}
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return fmt.Errorf("reqtype: truncated catalog at offset %d", pos)
		}
		nlen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+nlen+1 > len(data) {
			return fmt.Errorf("reqtype: truncated entry at offset %d", pos)
		}
		name := string(data[pos : pos+nlen])
		pos += nlen
		c.methods[name] = data[pos]
		pos++
	}
	return nil
}

// Handler reports the contents of the catalog, for use as a well-known
// "describe my request types" request type on the bound endpoint. Handler
// panics if c is not bound.
func (c Catalog) Handler(_ context.Context, _ *udrpc.Request) (*udrpc.MessageBuffer, error) {
	enc := c.Encode()
	buf, err := c.ep.AllocMsgBuffer(len(enc))
	if err != nil {
		return nil, err
	}
	copy(buf.Payload(), enc)
	return buf, nil
}
