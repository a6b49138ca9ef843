package flows

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/activity/activitytest"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/pagemeta"
	"github.com/rcourtman/paygate/internal/session"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type recorder struct {
	mu     sync.Mutex
	types  []events.Type
	params []*events.Params
}

func (r *recorder) LogSwgEvent(t events.Type, _ bool, p *events.Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	r.params = append(r.params, p)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.types {
		if got == t {
			n++
		}
	}
	return n
}

func (r *recorder) paramsFor(t events.Type) *events.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.types {
		if got == t {
			return r.params[i]
		}
	}
	return nil
}

type fakePay struct {
	mu      sync.Mutex
	started []PayRequest
	opts    []PayOptions
	onResp  func(*async.Promise[json.RawMessage])
	err     error
}

func (p *fakePay) Start(_ context.Context, req PayRequest, opts PayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, req)
	p.opts = append(p.opts, opts)
	return p.err
}

func (p *fakePay) OnResponse(fn func(*async.Promise[json.RawMessage])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResp = fn
}

func (p *fakePay) requests() []PayRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PayRequest(nil), p.started...)
}

func (p *fakePay) respond(data *async.Promise[json.RawMessage]) {
	p.mu.Lock()
	fn := p.onResp
	p.mu.Unlock()
	fn(data)
}

type fakeHub struct {
	mu        sync.Mutex
	resets    []bool
	pushed    []string
	blocked   int
	unblocked int
	toast     bool
}

func (h *fakeHub) Reset(expectPositive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, expectPositive)
}

func (h *fakeHub) PushNext(raw string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushed = append(h.pushed, raw)
	return true
}

func (h *fakeHub) BlockNextNotification() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked++
}

func (h *fakeHub) UnblockNextNotification() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unblocked++
}

func (h *fakeHub) SetToastShown(shown bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toast = shown
}

func (h *fakeHub) snapshot() (resets []bool, pushed []string, toast bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.resets...), append([]string(nil), h.pushed...), h.toast
}

// lifecycleLog collects lifecycle callbacks.
type lifecycleLog struct {
	mu        sync.Mutex
	started   []string
	canceled  []string
	completed []string
	logins    []callbacks.LoginRequest
}

func (l *lifecycleLog) add(list *[]string, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*list = append(*list, name)
}

func (l *lifecycleLog) get(list *[]string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), *list...)
}

func (l *lifecycleLog) loginRequests() []callbacks.LoginRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]callbacks.LoginRequest(nil), l.logins...)
}

type harness struct {
	d      *Deps
	opener *activitytest.Opener
	events *recorder
	pay    *fakePay
	hub    *fakeHub
	store  *session.MemoryStore
	cbs    *lifecycleLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		opener: activitytest.NewOpener(),
		events: &recorder{},
		pay:    &fakePay{},
		hub:    &fakeHub{},
		store:  session.NewMemoryStore(),
		cbs:    &lifecycleLog{},
	}
	page := pagemeta.NewPageConfig("pub1:premium", true)
	cb := callbacks.New()
	cb.SetOnFlowStarted(func(e callbacks.FlowEvent) { h.cbs.add(&h.cbs.started, e.Flow) })
	cb.SetOnFlowCanceled(func(e callbacks.FlowEvent) { h.cbs.add(&h.cbs.canceled, e.Flow) })
	cb.SetOnFlowCompleted(func(e callbacks.FlowEvent) { h.cbs.add(&h.cbs.completed, e.Flow) })
	cb.SetOnLoginRequest(func(r callbacks.LoginRequest) {
		h.cbs.mu.Lock()
		defer h.cbs.mu.Unlock()
		h.cbs.logins = append(h.cbs.logins, r)
	})

	h.d = &Deps{
		Callbacks: cb,
		Host: activity.NewHost(h.opener, func() activity.Defaults {
			return activity.Defaults{PublicationID: page.PublicationID(), ProductID: page.ProductID()}
		}),
		Page:         page,
		Events:       h.events,
		Pay:          h.pay,
		Store:        h.store,
		Entitlements: h.hub,
		Registry:     NewRegistry(),
		Transaction:  NewTransaction(),
		FrontendURL:  "https://news.example",
	}
	return h
}

func (h *harness) next(t *testing.T) *activitytest.Port {
	t.Helper()
	port, err := h.opener.Next(testCtx(t))
	require.NoError(t, err, "no surface opened")
	return port
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not finish")
	}
}
