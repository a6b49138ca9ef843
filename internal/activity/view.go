package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/async"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// ErrClosed is returned by AcceptResult when the host closed the surface
// before it produced a result.
var ErrClosed = errors.New("surface closed")

// View is a surface a flow is about to open. Handlers are registered before
// the view is opened; once open the handler set is fixed, so a surface can
// never emit a message nobody is listening for yet.
type View struct {
	req Request

	mu       sync.Mutex
	handlers map[Kind]func(Message)
	cancel   []func()
	frozen   bool
	port     Port

	opened *async.Promise[Port]
}

// NewView prepares a view for req.
func NewView(req Request) *View {
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	return &View{
		req:      req,
		handlers: make(map[Kind]func(Message)),
		opened:   async.NewPromise[Port](),
	}
}

// Request returns the request the view will be opened with.
func (v *View) Request() Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.req
}

// On registers h for messages of kind. A later registration for the same
// kind replaces the earlier one. Registrations after open are ignored.
func (v *View) On(kind Kind, h func(Message)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		log.Warn().Str("kind", string(kind)).Str("url", v.req.URL).Msg("Handler registered after surface opened; ignoring")
		return
	}
	v.handlers[kind] = h
}

func (v *View) OnSkuSelected(h func(SkuSelected)) {
	v.On(KindSkuSelected, func(m Message) { h(m.(SkuSelected)) })
}

func (v *View) OnAlreadySubscribed(h func(AlreadySubscribed)) {
	v.On(KindAlreadySubscribed, func(m Message) { h(m.(AlreadySubscribed)) })
}

func (v *View) OnViewSubscriptions(h func(ViewSubscriptions)) {
	v.On(KindViewSubscriptions, func(m Message) { h(m.(ViewSubscriptions)) })
}

func (v *View) OnEntitlementsResponse(h func(EntitlementsResponse)) {
	v.On(KindEntitlementsResponse, func(m Message) { h(m.(EntitlementsResponse)) })
}

func (v *View) OnLinkingInfo(h func(LinkingInfo)) {
	v.On(KindLinkingInfo, func(m Message) { h(m.(LinkingInfo)) })
}

func (v *View) OnSubscribe(h func(Subscribe)) {
	v.On(KindSubscribe, func(m Message) { h(m.(Subscribe)) })
}

// OnCancel registers fn to run if the reader dismisses the surface.
func (v *View) OnCancel(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		log.Warn().Str("url", v.req.URL).Msg("Cancel handler registered after surface opened; ignoring")
		return
	}
	v.cancel = append(v.cancel, fn)
}

// Opened resolves with the port once the surface is ready.
func (v *View) Opened() *async.Promise[Port] {
	return v.opened
}

// Execute sends msg to the surface, waiting for it to open first.
func (v *View) Execute(ctx context.Context, msg Message) error {
	port, err := v.opened.Wait(ctx)
	if err != nil {
		return err
	}
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	return port.Send(ctx, env)
}

// AcceptResult waits for the surface's result.
func (v *View) AcceptResult(ctx context.Context) (Result, error) {
	port, err := v.opened.Wait(ctx)
	if err != nil {
		return Result{}, err
	}
	return port.AcceptResult(ctx)
}

// Close closes the surface if it was opened.
func (v *View) Close() error {
	v.mu.Lock()
	port := v.port
	v.mu.Unlock()
	if port == nil {
		v.opened.Reject(ErrClosed)
		return nil
	}
	return port.Close()
}

func (v *View) attach(port Port) {
	v.mu.Lock()
	v.port = port
	v.mu.Unlock()
}

func (v *View) deliver(env Envelope) {
	msg, err := Decode(env)
	if err != nil {
		log.Warn().Err(err).Str("url", v.req.URL).Msg("Rejected surface message")
		v.reject(err)
		return
	}

	v.mu.Lock()
	h := v.handlers[msg.Kind()]
	v.mu.Unlock()
	if h == nil {
		log.Debug().Str("kind", string(msg.Kind())).Str("url", v.req.URL).Msg("No handler for surface message")
		return
	}
	h(msg)
}

// reject reports a protocol failure back to the surface. It never blocks the
// delivery path.
func (v *View) reject(cause error) {
	v.mu.Lock()
	port := v.port
	v.mu.Unlock()
	if port == nil {
		return
	}
	env, err := Encode(ErrorMessage{Reason: cause.Error()})
	if err != nil {
		return
	}
	go func() {
		if err := port.Send(context.Background(), env); err != nil {
			log.Debug().Err(err).Msg("Failed to report protocol error to surface")
		}
	}()
}

func (v *View) watchCancel(port Port) {
	v.mu.Lock()
	fns := append([]func(){}, v.cancel...)
	v.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	go func() {
		_, err := port.AcceptResult(context.Background())
		if !paygateerrors.IsAbort(err) {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}()
}

// Defaults are the arguments every surface receives.
type Defaults struct {
	ClientVersion        string
	PublicationID        string
	ProductID            string
	AnalyticsContext     map[string]any
	SupportsEventManager bool
	// UserToken is appended to the surface URL as "sut" when known.
	UserToken string
}

// Host opens views through an Opener.
type Host struct {
	opener   Opener
	defaults func() Defaults
}

// NewHost returns a host. defaults may be nil.
func NewHost(opener Opener, defaults func() Defaults) *Host {
	if defaults == nil {
		defaults = func() Defaults { return Defaults{} }
	}
	return &Host{opener: opener, defaults: defaults}
}

// OpenView opens v and blocks until the surface reports ready. Handlers
// registered on v before the call receive every message the surface sends.
func (h *Host) OpenView(ctx context.Context, v *View) error {
	if h.opener == nil {
		return paygateerrors.Contract("open_view", "no surface opener configured")
	}
	v.mu.Lock()
	v.frozen = true
	req := h.withDefaults(v.req)
	v.req = req
	v.mu.Unlock()

	port, err := h.opener.Open(ctx, req, v.deliver)
	if err != nil {
		v.opened.Reject(err)
		return fmt.Errorf("open %s: %w", req.URL, err)
	}
	v.attach(port)
	v.watchCancel(port)

	if err := port.WhenReady(ctx); err != nil {
		v.opened.Reject(err)
		_ = port.Close()
		return fmt.Errorf("surface %s not ready: %w", req.URL, err)
	}
	v.opened.Resolve(port)
	return nil
}

func (h *Host) withDefaults(req Request) Request {
	d := h.defaults()
	args := make(map[string]any, len(req.Args)+5)
	setDefault := func(k string, val any) {
		if _, ok := req.Args[k]; !ok {
			args[k] = val
		}
	}
	if d.AnalyticsContext != nil {
		setDefault("analyticsContext", d.AnalyticsContext)
	}
	setDefault("publicationId", d.PublicationID)
	setDefault("productId", d.ProductID)
	setDefault("_client", ClientName(d.ClientVersion))
	setDefault("supportsEventManager", d.SupportsEventManager)
	for k, val := range req.Args {
		args[k] = val
	}
	req.Args = args

	params := map[string]string{}
	if d.UserToken != "" {
		params["sut"] = d.UserToken
	}
	if d.PublicationID != "" {
		params["publicationId"] = d.PublicationID
	}
	req.URL = AddQueryParams(req.URL, params, false)
	return req
}
