// Package regwall shows the registration wall: a modal asking an anonymous
// reader to sign in before a metered article is unlocked.
package regwall

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/callbacks"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/gaa"
	"github.com/rcourtman/paygate/internal/pagemeta"
)

// Fixed rejection messages.
const (
	StaleParamsMessage = "[swg-gaa.js:GaaMeteringRegwall.show]: URL needs fresh GAA params."
	SignInErrorMessage = "Google Sign-In could not render"
)

// ErrSignIn is returned when the sign-in frame reports an error.
var ErrSignIn = errors.New(SignInErrorMessage)

// Modal describes what the Surface renders.
type Modal struct {
	PublisherName string
	Lang          string
	CaslURL       string
	// IframeURL is the publisher's sign-in frame. Empty in native mode.
	IframeURL string
	// NativeMode renders the runtime's own sign-in button.
	NativeMode bool
	// AuthorizationURL is set for third-party sign-in.
	AuthorizationURL string
}

// Surface renders and removes the modal.
type Surface interface {
	Render(ctx context.Context, m Modal) error
	Remove()
	// Navigate sends the top-level page to url.
	Navigate(url string)
}

// Channel carries cross-frame messages.
type Channel interface {
	Post(ctx context.Context, targetOrigin string, env Envelope) error
	// Subscribe registers fn for every inbound message until the returned
	// function is called.
	Subscribe(fn func(origin string, data []byte)) (unsubscribe func())
}

// EventLogger is the analytics sink the wall reports to.
type EventLogger interface {
	LogSwgEvent(t events.Type, fromUserAction bool, params *events.Params)
	LogShowcaseEvent(e events.ShowcaseEvent, origin events.Originator, isUserRegistered bool, subscriptionTimestamp *time.Time)
}

// Config wires a Regwall.
type Config struct {
	Surface Surface
	Channel Channel
	Events  EventLogger
	Page    *pagemeta.Document
	// AllowedOrigins are extra origins trusted to send sign-in messages.
	// The sign-in frame's own origin is always trusted.
	AllowedOrigins []string
	// Verifier, when set, checks ID token signatures before they are
	// decoded.
	Verifier *oidc.IDTokenVerifier
	// RequestLogin is called when the reader chooses to sign in with an
	// existing publisher account.
	RequestLogin func(callbacks.LoginRequest) bool
	Now          func() time.Time
}

// Regwall shows the registration wall.
type Regwall struct {
	cfg Config

	mu     sync.Mutex
	detach []func()
}

// New returns a Regwall.
func New(cfg Config) *Regwall {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Regwall{cfg: cfg}
}

// ShowParams are the inputs of Show.
type ShowParams struct {
	IframeURL string
	CaslURL   string
	Query     url.Values
	// RawJWT returns the credential undecoded.
	RawJWT bool
}

// Show renders the wall around the publisher's sign-in frame and waits for
// the reader's credential. The modal is removed on every exit path.
func (r *Regwall) Show(ctx context.Context, p ShowParams) (*Credential, error) {
	if !gaa.HasFreshParams(p.Query, false, r.cfg.Now()) {
		log.Warn().Msg(StaleParamsMessage)
		return nil, fmt.Errorf("%w: %s", paygateerrors.ErrStaleParams, StaleParamsMessage)
	}
	iframe, err := url.Parse(p.IframeURL)
	if err != nil || iframe.Host == "" {
		return nil, paygateerrors.Contract("regwall_show", "invalid sign-in iframe URL %q", p.IframeURL)
	}
	frameOrigin := iframe.Scheme + "://" + iframe.Host

	r.logShowcase()

	lang := r.lang()
	m := Modal{CaslURL: p.CaslURL, Lang: lang}
	q := iframe.Query()
	q.Set("lang", lang)
	iframe.RawQuery = q.Encode()
	m.IframeURL = iframe.String()

	allowed := append([]string{frameOrigin}, r.cfg.AllowedOrigins...)
	return r.run(ctx, m, allowed, p.RawJWT, func() {
		if err := r.cfg.Channel.Post(ctx, frameOrigin, Encode(Introduction{})); err != nil {
			log.Warn().Err(err).Msg("Failed to introduce sign-in frame")
		}
	})
}

// ShowNative renders the wall with the runtime's own sign-in button and
// waits for the reader's credential.
func (r *Regwall) ShowNative(ctx context.Context, caslURL string, rawJWT bool) (*Credential, error) {
	r.logShowcase()
	m := Modal{CaslURL: caslURL, Lang: r.lang(), NativeMode: true}
	return r.run(ctx, m, r.cfg.AllowedOrigins, rawJWT, nil)
}

// ShowNative3P renders the wall with a third-party sign-in button. A click on
// the button navigates to authorizationURL. ShowNative3P returns once the
// wall is rendered; the wall stays until Remove.
func (r *Regwall) ShowNative3P(ctx context.Context, caslURL, authorizationURL string) error {
	r.logShowcase()
	m := Modal{CaslURL: caslURL, Lang: r.lang(), NativeMode: true, AuthorizationURL: authorizationURL}
	if err := r.render(ctx, &m); err != nil {
		r.cfg.Surface.Remove()
		return err
	}

	var redirect sync.Once
	unsubscribe := r.cfg.Channel.Subscribe(func(origin string, data []byte) {
		msg, err := Decode(origin, data, r.cfg.AllowedOrigins)
		if err != nil {
			return
		}
		if b, ok := msg.(ButtonClick); ok && b.Button == gaa.Command3PButtonClick {
			redirect.Do(func() {
				r.cfg.Events.LogSwgEvent(events.ActionShowcaseRegwall3PButtonClick, true, nil)
				time.AfterFunc(gaa.RedirectDelay, func() { r.cfg.Surface.Navigate(authorizationURL) })
			})
		}
	})
	r.mu.Lock()
	r.detach = append(r.detach, unsubscribe)
	r.mu.Unlock()
	return nil
}

// Remove takes the wall down.
func (r *Regwall) Remove() {
	r.mu.Lock()
	detach := r.detach
	r.detach = nil
	r.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	r.cfg.Surface.Remove()
}

// PublisherSignInClicked handles a click on "Already registered? Sign in".
func (r *Regwall) PublisherSignInClicked() {
	r.cfg.Events.LogSwgEvent(events.ActionShowcaseRegwallExistingAccount, true, nil)
	if r.cfg.RequestLogin != nil {
		r.cfg.RequestLogin(callbacks.LoginRequest{LinkRequested: false})
	}
}

func (r *Regwall) logShowcase() {
	r.cfg.Events.LogShowcaseEvent(events.ShowcaseNoEntitlementsRegwall, events.OriginSwG, false, nil)
}

func (r *Regwall) lang() string {
	if r.cfg.Page == nil {
		return ""
	}
	return r.cfg.Page.Lang()
}

func (r *Regwall) render(ctx context.Context, m *Modal) error {
	if r.cfg.Page == nil {
		return paygateerrors.Contract("regwall_render", "no page document")
	}
	name, err := r.cfg.Page.PublisherName()
	if err != nil {
		return err
	}
	m.PublisherName = name
	return r.cfg.Surface.Render(ctx, *m)
}

func (r *Regwall) run(ctx context.Context, m Modal, allowed []string, rawJWT bool, afterRender func()) (*Credential, error) {
	inbox := make(chan inbound, 16)
	done := make(chan struct{})
	unsubscribe := r.cfg.Channel.Subscribe(func(origin string, data []byte) {
		select {
		case inbox <- inbound{origin: origin, data: data}:
		case <-done:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()
	defer close(done)
	defer r.cfg.Surface.Remove()

	if err := r.render(ctx, &m); err != nil {
		return nil, err
	}
	if afterRender != nil {
		afterRender()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case in := <-inbox:
			msg, err := Decode(in.origin, in.data, allowed)
			if err != nil {
				if !errors.Is(err, ErrForeignMessage) {
					log.Warn().Err(err).Msg("Ignoring sign-in message")
				}
				continue
			}
			switch msg := msg.(type) {
			case ButtonClick:
				r.logClick(msg.Button)
			case Error:
				return nil, ErrSignIn
			case User:
				cred, err := r.credential(ctx, msg, rawJWT)
				if err != nil {
					log.Warn().Err(err).Msg("Rejected sign-in credential")
					if perr := r.cfg.Channel.Post(ctx, in.origin, Encode(Error{})); perr != nil {
						log.Debug().Err(perr).Msg("Failed to report credential error")
					}
					continue
				}
				return cred, nil
			}
		}
	}
}

type inbound struct {
	origin string
	data   []byte
}

func (r *Regwall) logClick(button string) {
	switch button {
	case gaa.CommandGSIButtonClick:
		r.cfg.Events.LogSwgEvent(events.ActionShowcaseRegwallGSIClick, true, nil)
	case gaa.CommandSIWGButtonClick:
		r.cfg.Events.LogSwgEvent(events.ActionShowcaseRegwallSIWGClick, true, nil)
	case gaa.Command3PButtonClick:
		r.cfg.Events.LogSwgEvent(events.ActionShowcaseRegwall3PButtonClick, true, nil)
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, p := range allowed {
		if p == origin || wildcard.Match(p, origin) {
			return true
		}
	}
	return false
}
