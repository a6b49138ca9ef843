package regwall

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rcourtman/paygate/internal/events"
)

type fakeSurface struct {
	mu        sync.Mutex
	rendered  []Modal
	removed   int
	navigated []string
	renderErr error
	onRender  chan Modal
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{onRender: make(chan Modal, 4)}
}

func (s *fakeSurface) Render(_ context.Context, m Modal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renderErr != nil {
		return s.renderErr
	}
	s.rendered = append(s.rendered, m)
	s.onRender <- m
	return nil
}

func (s *fakeSurface) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
}

func (s *fakeSurface) Navigate(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, u)
}

func (s *fakeSurface) removedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

type posted struct {
	origin string
	env    Envelope
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[int]func(string, []byte)
	next     int
	posts    []posted
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: map[int]func(string, []byte){}}
}

func (c *fakeChannel) Post(_ context.Context, origin string, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, posted{origin: origin, env: env})
	return nil
}

func (c *fakeChannel) Subscribe(fn func(string, []byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *fakeChannel) emit(origin string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	hs := make([]func(string, []byte), 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(origin, data)
	}
}

// live returns the current handlers so a test can keep calling them after
// they were unsubscribed.
func (c *fakeChannel) live() []func(string, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := make([]func(string, []byte), 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (c *fakeChannel) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *fakeChannel) postedCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.posts))
	for _, p := range c.posts {
		out = append(out, p.env.Command)
	}
	return out
}

type fakeEvents struct {
	mu       sync.Mutex
	types    []events.Type
	showcase []events.ShowcaseEvent
}

func (f *fakeEvents) LogSwgEvent(t events.Type, _ bool, _ *events.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
}

func (f *fakeEvents) LogShowcaseEvent(e events.ShowcaseEvent, _ events.Originator, _ bool, _ *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.showcase = append(f.showcase, e)
}

func (f *fakeEvents) logged() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Type(nil), f.types...)
}
