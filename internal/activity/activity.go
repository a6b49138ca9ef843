// Package activity defines how flows talk to remote interactive surfaces
// (offer pickers, payment confirmation, account linking). A surface is opened
// through an Opener, exchanges typed messages over a Port and finishes with a
// single Result.
package activity

import (
	"context"
	"encoding/json"
)

// Envelope is one message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request describes the surface to open.
type Request struct {
	URL      string         `json:"url"`
	Args     map[string]any `json:"args,omitempty"`
	Closable bool           `json:"closable,omitempty"`
}

// Result is what a surface reports when it finishes.
type Result struct {
	Data           json.RawMessage `json:"data,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	OriginVerified bool            `json:"originVerified"`
	SecureChannel  bool            `json:"secureChannel"`
}

// Decode unmarshals the result data into out.
func (r Result) Decode(out any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

// Port is an open surface.
//
// AcceptResult may be called any number of times and returns the same
// outcome. A user dismissing the surface yields an error wrapping
// errors.ErrAborted.
type Port interface {
	Send(ctx context.Context, env Envelope) error
	WhenReady(ctx context.Context) error
	AcceptResult(ctx context.Context) (Result, error)
	Close() error
}

// Opener opens surfaces. Messages from the surface are passed to deliver in
// the order they arrive; deliver is never called concurrently for one port.
type Opener interface {
	Open(ctx context.Context, req Request, deliver func(Envelope)) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, req Request, deliver func(Envelope)) (Port, error)

func (f OpenerFunc) Open(ctx context.Context, req Request, deliver func(Envelope)) (Port, error) {
	return f(ctx, req, deliver)
}
