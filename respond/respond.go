// Package respond provides adapters to the udrpc.Handler type for functions
// with other signatures, so a handler can work with typed parameters and
// results instead of a raw MessageBuffer.
//
// Parameters may be []byte or string, or a type whose pointer supports one
// of the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package respond

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/flowmesh/udrpc"
)

// reqContextKey is a context key for the request value passed to a handler.
type reqContextKey struct{}

// ContextRequest returns the original *udrpc.Request passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// built by this package always carries this value.
func ContextRequest(ctx context.Context) *udrpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*udrpc.Request)
	}
	return nil
}

// Binder ties the marshal/unmarshal adapters below to the Endpoint whose
// allocator supplies the MessageBuffer a handler returns.
type Binder struct {
	ep *udrpc.Endpoint
}

// Bind constructs a Binder for ep.
func Bind(ep *udrpc.Endpoint) Binder { return Binder{ep: ep} }

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a udrpc.Handler.
func ParamResultError[P, R any](b Binder, f func(context.Context, P) (R, error)) udrpc.Handler {
	return func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return b.marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a udrpc.Handler.
func ParamResult[P, R any](b Binder, f func(context.Context, P) R) udrpc.Handler {
	return func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return b.marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns only an error, to a udrpc.Handler.
func ParamError[P any](b Binder, f func(context.Context, P) error) udrpc.Handler {
	return func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a udrpc.Handler.
func ResultError[R any](b Binder, f func(context.Context) (R, error)) udrpc.Handler {
	return func(ctx context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return b.marshal(r)
	}
}

// marshal encodes v and copies the result into a freshly allocated
// MessageBuffer from b's Endpoint.
func (b Binder) marshal(v any) (*udrpc.MessageBuffer, error) {
	data, err := marshal(v)
	if err != nil {
		return nil, err
	}
	buf, err := b.ep.AllocMsgBuffer(len(data))
	if err != nil {
		return nil, fmt.Errorf("respond: allocate response buffer: %w", err)
	}
	copy(buf.Payload(), data)
	return buf, nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement either encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler. If v implements both, BinaryUnmarshaler is
// preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("respond: cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either
// encoding.BinaryMarshaler or encoding.TextMarshaler. If v implements both,
// BinaryMarshaler is preferred.
//
// As a special case, if v is a nil pointer to a string or []byte, the result
// is nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("respond: cannot marshal %T", v)
	}
}
