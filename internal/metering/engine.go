package metering

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/gaa"
	"github.com/rcourtman/paygate/internal/metrics"
	"github.com/rcourtman/paygate/internal/pagemeta"
	"github.com/rcourtman/paygate/internal/regwall"
)

// Runtime is the part of the subscriptions runtime the engine drives.
type Runtime interface {
	Init(productOrPublicationID string) error
	SetOnLoginRequest(fn func(callbacks.LoginRequest))
	SetOnNativeSubscribeRequest(fn func())
	SetShowcaseEntitlement(ctx context.Context, ent events.ShowcaseEntitlement) error
	ConsumeShowcaseEntitlementJWT(ctx context.Context, jwt string, onClose func()) error
	GetEntitlements(ctx context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error)
}

// Regwall shows and removes the registration wall.
type Regwall interface {
	ShowNative(ctx context.Context, caslURL string, rawJWT bool) (*regwall.Credential, error)
	ShowNative3P(ctx context.Context, caslURL, authorizationURL string) error
	Remove()
}

// EventLogger receives analytics events.
type EventLogger interface {
	LogSwgEvent(t events.Type, fromUserAction bool, params *events.Params)
}

// Config holds the collaborators of an Engine.
type Config struct {
	Runtime Runtime
	Regwall Regwall
	Events  EventLogger
	Page    *pagemeta.Document
	// Location is the page URL; its query carries the freshness parameters.
	Location *url.URL
	Referrer string
	Now      func() time.Time
}

var grantEvents = map[GrantReason]events.ShowcaseEvent{
	GrantSubscriber: events.ShowcaseUnlockedBySubscription,
	GrantFree:       events.ShowcaseUnlockedFreePage,
	GrantMetering:   events.ShowcaseUnlockedByMeter,
}

// Engine runs the access decision for one page view. Create a new Engine
// per page view.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	params  InitParams
	state   *UserState
	unlock  func()
	started bool

	credential *async.Promise[*regwall.Credential]
	login      *async.Promise[struct{}]
	decided    chan struct{}
}

// NewEngine returns an engine using cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = &url.URL{}
	}
	return &Engine{
		cfg:        cfg,
		credential: async.NewPromise[*regwall.Credential](),
		login:      async.NewPromise[struct{}](),
		decided:    make(chan struct{}),
	}
}

// Init validates params and, when the page view qualifies, starts the
// access decision in the background. It reports whether the decision was
// started. Init may be called once.
func (e *Engine) Init(ctx context.Context, params InitParams) bool {
	pageIsFree := e.cfg.Page != nil && e.cfg.Page.AccessibleForFree()
	if errs := params.Validate(pageIsFree); !errs.OK() {
		log.Debug().Strs("fields", errs.Fields()).Str("reason", errs.Error()).Msg("Invalid metering params")
		return false
	}
	if e.cfg.Page == nil {
		log.Error().Msg("Metering requires the page document")
		return false
	}
	productID, err := e.cfg.Page.ProductID()
	if err != nil {
		log.Error().Err(err).Msg("Metering requires a product ID")
		return false
	}

	if !e.isGaa(params.AllowedReferrers) {
		log.Debug().Msg("Extended Access - Invalid gaa parameters or referrer.")
		return false
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		log.Warn().Msg("Metering engine already initialized")
		return false
	}
	e.started = true
	e.params = params
	e.state = params.UserState.Clone()
	e.unlock = params.UnlockArticle
	if e.unlock == nil {
		e.unlock = func() {}
	}
	e.mu.Unlock()

	go e.run(ctx, productID, pageIsFree)
	return true
}

// Decided is closed once the initial decision has been applied. Sub-flows
// it started, such as a registration wall, may still be running.
func (e *Engine) Decided() <-chan struct{} {
	return e.decided
}

// State returns a copy of the current user state.
func (e *Engine) State() *UserState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// GaaUser waits for the credential the reader signed in with on the
// registration wall.
func (e *Engine) GaaUser(ctx context.Context) (*regwall.Credential, error) {
	return e.credential.Wait(ctx)
}

// SetGaaUser supplies the registration credential. Only the first call
// has an effect.
func (e *Engine) SetGaaUser(cred *regwall.Credential) {
	e.credential.Resolve(cred)
}

// LoginRequested is closed once the reader asked to sign in.
func (e *Engine) LoginRequested() <-chan struct{} {
	return e.login.Done()
}

func (e *Engine) run(ctx context.Context, productID string, pageIsFree bool) {
	defer close(e.decided)
	params := e.snapshotParams()

	if params.initializeRuntime() {
		if err := e.cfg.Runtime.Init(productID); err != nil {
			log.Warn().Err(err).Str("product", productID).Msg("Runtime init failed")
		}
	}
	e.cfg.Events.LogSwgEvent(events.EventShowcaseMeteringInit, false, nil)

	e.cfg.Runtime.SetOnLoginRequest(func(callbacks.LoginRequest) {
		go e.HandleLoginRequest(ctx)
	})
	e.cfg.Runtime.SetOnNativeSubscribeRequest(params.ShowPaywall)

	out := Decide(e.State(), pageIsFree, params.ShowcaseEntitlement, params.Mode(), e.cfg.Now())
	record(out)
	log.Debug().Str("outcome", string(out.Kind)).Str("reason", out.Reason).Msg("Metering decision")

	switch out.Kind {
	case Unlock:
		if out.GrantReason == GrantFree {
			e.markFree()
		}
		e.grant(ctx)
	case CheckEntitlements:
		e.checkEntitlements(ctx)
	case ShowRegistrationWall:
		e.showRegwall(ctx)
	case Redeem:
		e.redeem(ctx, params.ShowcaseEntitlement)
	case ShowPaywall:
		// The publisher renders its own paywall for server side checks.
		e.signalNoAccess(ctx)
	case AwaitLookup:
		e.awaitLookup(ctx, params.PublisherEntitlement)
	case NoAction:
		log.Debug().Str("reason", out.Reason).Msg("Invalid userState object")
	}
}

// HandleEntitlements acts on a provider entitlements response.
func (e *Engine) HandleEntitlements(ctx context.Context, ents *entitlements.Entitlements) {
	if ents == nil {
		log.Warn().Msg("No entitlements to handle")
		return
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		log.Warn().Msg("Entitlements received before the metering engine was initialized")
		return
	}
	params := e.snapshotParams()
	state := e.State()

	switch {
	case ents.EnablesThisWithGoogleMetering():
		record(Outcome{Kind: Unlock, GrantReason: GrantMetering})
		err := ents.Consume(ctx, func() {
			e.logShowcase(ctx, events.ShowcaseUnlockedByMeter)
			e.unlockArticle()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to consume metering entitlement")
		}
	case ents.EnablesThis():
		if params.HandleSwGEntitlement != nil {
			params.HandleSwGEntitlement(ents)
		}
	case !state.IsRegistered() && e.isGaa(params.AllowedReferrers):
		record(Outcome{Kind: ShowRegistrationWall})
		e.showRegwall(ctx)
	default:
		record(Outcome{Kind: ShowPaywall, PaywallReason: paywallReason(state)})
		e.signalNoAccess(ctx)
		if params.ShowPaywall != nil {
			params.ShowPaywall()
		}
	}
}

// HandleLoginRequest runs the publisher's login and, with a valid result,
// replaces the user state, removes the registration wall and unlocks if
// granted. It reports whether the login produced a valid state.
func (e *Engine) HandleLoginRequest(ctx context.Context) bool {
	e.login.Resolve(struct{}{})
	params := e.snapshotParams()
	if params.HandleLogin == nil {
		return false
	}
	state, err := params.HandleLogin(ctx)
	if err != nil {
		if !paygateerrors.IsAbort(err) {
			log.Warn().Err(err).Msg("Publisher login failed")
		}
		return false
	}
	if errs := state.Validate(e.cfg.Now()); !errs.OK() {
		log.Debug().Str("reason", errs.Error()).Msg("Invalid login userState")
		return false
	}
	e.setState(state)
	if e.cfg.Regwall != nil {
		e.cfg.Regwall.Remove()
	}
	e.unlockIfGranted(ctx)
	return true
}

func (e *Engine) unlockIfGranted(ctx context.Context) {
	state := e.State()
	if errs := state.Validate(e.cfg.Now()); !errs.OK() {
		log.Debug().Str("reason", errs.Error()).Msg("Invalid userState object")
		return
	}
	if state.IsGranted() {
		record(Outcome{Kind: Unlock, GrantReason: state.Reason()})
		e.grant(ctx)
		return
	}
	e.checkEntitlements(ctx)
}

func (e *Engine) grant(ctx context.Context) {
	state := e.State()
	if ev, ok := grantEvents[state.Reason()]; ok {
		e.logShowcase(ctx, ev)
		log.Debug().Str("reason", string(state.Reason())).Msg("Article unlocked")
	}
	e.unlockArticle()
}

func (e *Engine) checkEntitlements(ctx context.Context) {
	state := e.State()
	if state.RegistrationTimestamp == nil || *state.RegistrationTimestamp == 0 {
		// Without a registration there is nothing to ask the provider.
		e.showRegwall(ctx)
		return
	}
	ents, err := e.cfg.Runtime.GetEntitlements(ctx, state.GetParams())
	if err != nil {
		log.Warn().Err(err).Msg("Entitlements lookup failed")
		return
	}
	e.HandleEntitlements(ctx, ents)
}

func (e *Engine) showRegwall(ctx context.Context) {
	if e.cfg.Regwall == nil {
		log.Error().Msg("No registration wall configured")
		return
	}
	params := e.snapshotParams()

	if params.GoogleAPIClientID == "" {
		if err := e.cfg.Regwall.ShowNative3P(ctx, params.CaslURL, params.AuthorizationURL); err != nil {
			log.Warn().Err(err).Msg("Failed to show registration wall")
		}
		return
	}

	cred, err := e.cfg.Regwall.ShowNative(ctx, params.CaslURL, params.rawJWT())
	if err != nil {
		if paygateerrors.IsAbort(err) || ctx.Err() != nil {
			log.Debug().Err(err).Msg("Registration wall dismissed")
		} else {
			log.Warn().Err(err).Msg("Registration wall failed")
		}
		return
	}
	if cred != nil {
		e.credential.Resolve(cred)
	}

	state, err := params.RegisterUser(ctx, cred)
	if err != nil {
		log.Warn().Err(err).Msg("Publisher registration failed")
		return
	}
	if errs := state.Validate(e.cfg.Now()); !errs.OK() {
		log.Debug().Str("reason", errs.Error()).Msg("Invalid registration userState")
		return
	}
	e.setState(state)
	e.unlockIfGranted(ctx)
}

func (e *Engine) redeem(ctx context.Context, token string) {
	err := e.cfg.Runtime.ConsumeShowcaseEntitlementJWT(ctx, token, func() {
		e.logShowcase(ctx, events.ShowcaseUnlockedByMeter)
		e.unlockArticle()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to consume showcase entitlement")
	}
}

func (e *Engine) awaitLookup(ctx context.Context, lookup func(context.Context) (*UserState, error)) {
	if lookup == nil {
		e.unlockIfGranted(ctx)
		return
	}
	state, err := lookup(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Publisher entitlement lookup failed")
		return
	}
	if errs := state.Validate(e.cfg.Now()); !errs.OK() {
		log.Debug().Str("reason", errs.Error()).Msg("Publisher entitlement isn't valid")
		return
	}
	e.setState(state)
	e.unlockIfGranted(ctx)
}

func (e *Engine) signalNoAccess(ctx context.Context) {
	ev := events.ShowcaseNoEntitlementsPaywall
	if paywallReason(e.State()) == PaywallReservedUser {
		ev = events.ShowcaseIneligiblePaywall
	}
	e.logShowcase(ctx, ev)
}

func (e *Engine) logShowcase(ctx context.Context, ev events.ShowcaseEvent) {
	state := e.State()
	err := e.cfg.Runtime.SetShowcaseEntitlement(ctx, events.ShowcaseEntitlement{
		Entitlement:           ev,
		IsUserRegistered:      state.IsRegistered(),
		SubscriptionTimestamp: state.SubscriptionTime(),
	})
	if err != nil {
		log.Debug().Err(err).Str("event", string(ev)).Msg("Showcase entitlement not logged")
	}
}

func (e *Engine) isGaa(allowed []string) bool {
	return gaa.IsGaa(e.cfg.Location.Query(), e.cfg.Referrer, allowed, e.cfg.Now())
}

func (e *Engine) markFree() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		e.state = &UserState{}
	}
	granted := true
	reason := GrantFree
	e.state.Granted = &granted
	e.state.GrantReason = &reason
}

func (e *Engine) setState(s *UserState) {
	e.mu.Lock()
	e.state = s.Clone()
	e.mu.Unlock()
}

func (e *Engine) snapshotParams() InitParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

func (e *Engine) unlockArticle() {
	e.mu.Lock()
	fn := e.unlock
	e.mu.Unlock()
	fn()
}

func record(out Outcome) {
	reason := string(out.GrantReason)
	if reason == "" {
		reason = string(out.PaywallReason)
	}
	metrics.GetAccessMetrics().RecordDecision(string(out.Kind), reason)
}
