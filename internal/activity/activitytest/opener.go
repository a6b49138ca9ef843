// Package activitytest provides a scriptable in-memory surface opener.
package activitytest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// Opener records every surface opened through it.
type Opener struct {
	// FailOpen makes Open fail with the given error.
	FailOpen error

	mu     sync.Mutex
	ports  []*Port
	opened chan *Port
}

// NewOpener returns an empty opener.
func NewOpener() *Opener {
	return &Opener{opened: make(chan *Port, 64)}
}

func (o *Opener) Open(_ context.Context, req activity.Request, deliver func(activity.Envelope)) (activity.Port, error) {
	if o.FailOpen != nil {
		return nil, o.FailOpen
	}
	p := &Port{
		Request: req,
		deliver: deliver,
		ready:   async.Resolved(struct{}{}),
		result:  async.NewPromise[activity.Result](),
	}
	o.mu.Lock()
	o.ports = append(o.ports, p)
	o.mu.Unlock()
	select {
	case o.opened <- p:
	default:
	}
	return p, nil
}

// Ports returns the surfaces opened so far.
func (o *Opener) Ports() []*Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Port(nil), o.ports...)
}

// Next waits for the next surface to open.
func (o *Opener) Next(ctx context.Context) (*Port, error) {
	select {
	case p := <-o.opened:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port is a fake open surface.
type Port struct {
	Request activity.Request

	deliverMu sync.Mutex
	deliver   func(activity.Envelope)

	mu     sync.Mutex
	sent   []activity.Envelope
	closed bool

	ready  *async.Promise[struct{}]
	result *async.Promise[activity.Result]
}

// Emit delivers msg as if the surface sent it.
func (p *Port) Emit(msg activity.Message) {
	env, err := activity.Encode(msg)
	if err != nil {
		panic(err)
	}
	p.EmitRaw(env)
}

// EmitRaw delivers env unmodified.
func (p *Port) EmitRaw(env activity.Envelope) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.deliver(env)
}

// Complete finishes the surface with data as its result.
func (p *Port) Complete(data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	p.result.Resolve(activity.Result{Data: raw, OriginVerified: true, SecureChannel: true})
}

// Cancel reports that the reader dismissed the surface.
func (p *Port) Cancel() {
	p.result.Reject(paygateerrors.ErrAborted)
}

// Fail finishes the surface with err.
func (p *Port) Fail(err error) {
	p.result.Reject(err)
}

// Sent decodes every message the host sent.
func (p *Port) Sent() []activity.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]activity.Message, 0, len(p.sent))
	for _, env := range p.sent {
		if msg, err := activity.Decode(env); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Closed reports whether the host closed the surface.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Send(_ context.Context, env activity.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("port closed")
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *Port) WhenReady(ctx context.Context) error {
	_, err := p.ready.Wait(ctx)
	return err
}

func (p *Port) AcceptResult(ctx context.Context) (activity.Result, error) {
	return p.result.Wait(ctx)
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.result.Reject(activity.ErrClosed)
	return nil
}
