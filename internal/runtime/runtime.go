// Package runtime is the publisher facing entry point. It resolves the page
// configuration once, owns the shared collaborators and starts flows.
package runtime

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/config"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/experiments"
	"github.com/rcourtman/paygate/internal/flows"
	"github.com/rcourtman/paygate/internal/gaa"
	"github.com/rcourtman/paygate/internal/logging"
	"github.com/rcourtman/paygate/internal/pagemeta"
	"github.com/rcourtman/paygate/internal/propensity"
	"github.com/rcourtman/paygate/internal/remoteconfig"
	"github.com/rcourtman/paygate/internal/session"
)

// Version is reported to surfaces as the client version. Release builds set
// it with -ldflags.
var Version = "0.0.0-dev"

// Collaborators are the page view's environment. All fields are optional;
// without an Opener no surface can be shown.
type Collaborators struct {
	// Document is the page the runtime serves. It is only read when Init
	// was not called.
	Document *pagemeta.Document
	Location *url.URL
	Referrer string

	Opener   activity.Opener
	Pay      flows.PayClient
	Fetcher  entitlements.Fetcher
	Consumer entitlements.Consumer
	// ClientConfig defaults to a fetcher for the publication's
	// configuration.
	ClientConfig flows.ConfigSource
	// Store defaults to the configured session database.
	Store      session.Store
	Propensity propensity.Server

	Now func() time.Time
}

// Runtime serves one page view.
type Runtime struct {
	cfg       *config.Config
	col       Collaborators
	logger    zerolog.Logger
	sessionID string

	callbacks *callbacks.Callbacks
	events    *events.Manager
	ready     *async.Promise[struct{}]

	group singleflight.Group

	mu          sync.Mutex
	committed   bool
	initID      string
	options     ClientOptions
	configured  *configured
	configErr   error
	propensity  *propensity.Module
	propEnabled atomic.Bool
}

// configured is everything built once the page configuration is known.
type configured struct {
	page         *pagemeta.PageConfig
	deps         *flows.Deps
	entitlements *entitlementsManager
	experiments  *experiments.Resolver
	ownsStore    bool
}

// New returns a runtime. Callbacks and the event log are usable right away;
// events are delivered once configuration succeeds.
func New(cfg *config.Config, col Collaborators) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	if col.Now == nil {
		col.Now = time.Now
	}
	if col.Location == nil {
		col.Location = &url.URL{}
	}
	ready := async.NewPromise[struct{}]()
	r := &Runtime{
		cfg:       cfg,
		col:       col,
		callbacks: callbacks.New(),
		events:    events.NewManager(ready),
		ready:     ready,
		options: ClientOptions{
			WindowOpenMode: cfg.WindowOpenMode,
		},
	}
	r.logger, r.sessionID = logging.ForSession("runtime", "")
	if cfg.Analytics == config.AnalyticsOff {
		r.events.RegisterFilterer(func(ev events.Event) events.FilterResult {
			if ev.Originator == events.OriginSwG {
				return events.CancelEvent
			}
			return events.ProcessEvent
		})
	}
	return r
}

// Init configures the runtime for a product or publication id instead of
// reading the page. It fails once configuration has started.
func (r *Runtime) Init(productOrPublicationID string) error {
	r.mu.Lock()
	if r.committed {
		r.mu.Unlock()
		return paygateerrors.ErrAlreadyConfigured
	}
	r.initID = productOrPublicationID
	r.mu.Unlock()

	_, err := r.configure(context.Background())
	return err
}

// Configure validates opts and merges them into the current options.
// Experiments and the propensity switch also apply after configuration;
// other options are read when configuration happens.
func (r *Runtime) Configure(opts ClientOptions) error {
	if errs := opts.Validate(); !errs.OK() {
		return errs.Err("configure")
	}
	r.mu.Lock()
	r.options = r.options.merge(opts)
	c := r.configured
	r.mu.Unlock()

	if opts.EnablePropensity != nil {
		r.propEnabled.Store(*opts.EnablePropensity)
	}
	if c != nil {
		for _, id := range opts.Experiments {
			c.experiments.SetOn(id, true)
		}
	}
	return nil
}

// Options returns the merged client options.
func (r *Runtime) Options() ClientOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

// configure resolves the page configuration on first use. Every caller
// shares the first attempt and its outcome.
func (r *Runtime) configure(ctx context.Context) (*configured, error) {
	r.mu.Lock()
	if r.configured != nil || r.configErr != nil {
		c, err := r.configured, r.configErr
		r.mu.Unlock()
		return c, err
	}
	r.committed = true
	r.mu.Unlock()

	v, err, _ := r.group.Do("configure", func() (any, error) {
		r.mu.Lock()
		if r.configured != nil || r.configErr != nil {
			c, err := r.configured, r.configErr
			r.mu.Unlock()
			return c, err
		}
		id, opts := r.initID, r.options
		r.mu.Unlock()

		c, err := r.build(id, opts)
		r.mu.Lock()
		r.configured, r.configErr = c, err
		r.mu.Unlock()
		if err != nil {
			r.ready.Reject(err)
			return nil, err
		}
		r.ready.Resolve(struct{}{})
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*configured), nil
}

func (r *Runtime) build(id string, opts ClientOptions) (*configured, error) {
	page, err := r.pageConfig(id)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Page configuration unavailable")
		return nil, err
	}

	store, ownsStore := r.col.Store, false
	if store == nil {
		store, err = session.Open(r.cfg.SessionDB)
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	resolver := experiments.NewResolver(store)
	resolver.Resolve(r.cfg.Experiments)
	for _, exp := range opts.Experiments {
		resolver.SetOn(exp, true)
	}

	source := r.col.ClientConfig
	if source == nil {
		source = remoteconfig.New(remoteconfig.Config{
			PublicationID:             page.PublicationID(),
			SkipAccountCreationScreen: boolValue(opts.SkipAccountCreationScreen),
			Logger:                    logging.ForComponent("remoteconfig"),
		})
	}

	windowMode := opts.WindowOpenMode
	if windowMode == "" {
		windowMode = config.WindowOpenAuto
	}

	c := &configured{page: page, experiments: resolver, ownsStore: ownsStore}
	host := activity.NewHost(r.col.Opener, func() activity.Defaults {
		token, _, _ := store.Get(flows.StorageUserToken)
		return activity.Defaults{
			ClientVersion:        Version,
			PublicationID:        page.PublicationID(),
			ProductID:            page.ProductID(),
			SupportsEventManager: true,
			UserToken:            token,
		}
	})
	c.entitlements = &entitlementsManager{
		product:    page.ProductID(),
		fetcher:    r.col.Fetcher,
		consumer:   r.col.Consumer,
		store:      store,
		callbacks:  r.callbacks,
		events:     r.events,
		now:        r.col.Now,
		retryDelay: defaultRetryDelay,
	}
	c.deps = &flows.Deps{
		Callbacks:      r.callbacks,
		Host:           host,
		Page:           page,
		Events:         r.events,
		Config:         optionConfig{source: source, paySwgVersion: opts.PaySwgVersion},
		Pay:            r.col.Pay,
		Store:          store,
		Experiments:    resolver,
		Entitlements:   c.entitlements,
		Registry:       flows.NewRegistry(),
		Transaction:    flows.NewTransaction(),
		FrontendURL:    r.cfg.FrontendURL,
		Lang:           r.cfg.Lang,
		WindowOpenMode: windowMode,
	}
	c.entitlements.toast = func(ctx context.Context, source string) {
		go r.showToast(ctx, c, source)
	}
	flows.ConfigurePending(c.deps)

	r.logger.Debug().
		Str("publication", page.PublicationID()).
		Str("product", page.ProductID()).
		Bool("locked", page.Locked()).
		Msg("Runtime configured")
	return c, nil
}

func (r *Runtime) pageConfig(id string) (*pagemeta.PageConfig, error) {
	if id != "" {
		return pagemeta.NewPageConfig(id, false), nil
	}
	if r.col.Document == nil {
		return nil, paygateerrors.ErrNoPageConfig
	}
	return pagemeta.Resolve(r.col.Document)
}

// showToast presents the subscriber notification once per session.
func (r *Runtime) showToast(ctx context.Context, c *configured, source string) {
	params := map[string]string{}
	if r.cfg.Lang != "" {
		params["hl"] = r.cfg.Lang
	}
	view := activity.NewView(activity.Request{
		URL: activity.FrontendURL(r.cfg.FrontendURL, "/toastiframe", params),
		Args: map[string]any{
			"publicationId": c.page.PublicationID(),
			"source":        source,
		},
	})
	if err := c.deps.Host.OpenView(ctx, view); err != nil {
		log.Debug().Err(err).Msg("Entitlements toast not shown")
		return
	}
	c.entitlements.SetToastShown(true)
}

// Start looks up entitlements for locked pages and prefetches the client
// configuration. Pages without a product, or not locked, need nothing.
func (r *Runtime) Start(ctx context.Context) error {
	c, err := r.configure(ctx)
	if err != nil {
		return err
	}
	if c.page.ProductID() == "" || !c.page.Locked() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.GetEntitlements(gctx, entitlements.GetParams{})
		return err
	})
	g.Go(func() error {
		if _, err := c.deps.Config.ClientConfig(gctx); err != nil {
			r.logger.Debug().Err(err).Msg("Client configuration prefetch failed")
		}
		return nil
	})
	return g.Wait()
}

// GetEntitlements returns the reader's entitlements for the page, fetching
// them once per page view. Each fetched answer is also delivered to the
// entitlements callback.
func (r *Runtime) GetEntitlements(ctx context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error) {
	c, err := r.configure(ctx)
	if err != nil {
		return nil, err
	}
	if id := stringValue(r.Options().PublisherProvidedID); id != "" && params.PublisherProvidedID == "" {
		params.PublisherProvidedID = id
	}
	r.events.LogSwgEvent(events.ActionGetEntitlements, false, nil)
	return c.entitlements.Get(ctx, params)
}

// Reset clears the cached entitlements.
func (r *Runtime) Reset(ctx context.Context) error {
	c, err := r.configure(ctx)
	if err != nil {
		return err
	}
	c.entitlements.Reset(false)
	return nil
}

// Clear drops cached entitlements and their stored copies.
func (r *Runtime) Clear(ctx context.Context) error {
	c, err := r.configure(ctx)
	if err != nil {
		return err
	}
	c.entitlements.Clear()
	return nil
}

// SetShowcaseEntitlement records an access outcome reported by metering
// code. It is ignored unless the page was served securely with fresh
// access parameters.
func (r *Runtime) SetShowcaseEntitlement(ctx context.Context, ent events.ShowcaseEntitlement) error {
	if _, err := r.configure(ctx); err != nil {
		return err
	}
	loc := r.col.Location
	if loc.Scheme != "https" || !gaa.HasFreshParams(loc.Query(), true, r.col.Now()) {
		log.Debug().Str("entitlement", string(ent.Entitlement)).Msg("Ignoring showcase entitlement for stale or insecure page")
		return nil
	}
	if !ent.Entitlement.Valid() {
		return paygateerrors.Contract("set_showcase_entitlement", "unknown showcase entitlement %q", ent.Entitlement)
	}
	r.events.LogShowcaseEvent(ent.Entitlement, events.OriginShowcase, ent.IsUserRegistered, ent.SubscriptionTimestamp)
	return nil
}

// ConsumeShowcaseEntitlementJWT consumes a metering grant issued as a
// signed token. onClose runs when the consumption notice is dismissed.
func (r *Runtime) ConsumeShowcaseEntitlementJWT(ctx context.Context, jwt string, onClose func()) error {
	c, err := r.configure(ctx)
	if err != nil {
		return err
	}
	ents, err := entitlements.ParseShowcaseJWT(jwt, c.page.ProductID(), entitlements.WithConsumer(r.col.Consumer))
	if err != nil {
		return paygateerrors.Protocol("consume_showcase_entitlement", err)
	}
	return ents.Consume(ctx, onClose)
}

// SessionID identifies this page view in logs.
func (r *Runtime) SessionID() string {
	return r.sessionID
}

// Logger returns the publisher event logger.
func (r *Runtime) Logger(ctx context.Context) (*events.PublisherLogger, error) {
	if _, err := r.configure(ctx); err != nil {
		return nil, err
	}
	return events.NewPublisherLogger(r.events, events.OriginPublisher), nil
}

// EventManager returns the shared event log.
func (r *Runtime) EventManager() *events.Manager {
	return r.events
}

// Propensity returns the propensity module, creating it on first use.
func (r *Runtime) Propensity(ctx context.Context) (*propensity.Module, error) {
	c, err := r.configure(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.propensity != nil {
		return r.propensity, nil
	}
	server := r.col.Propensity
	if server == nil {
		server = propensity.NewHTTPServer(propensity.ServerConfig{
			PublicationID: c.page.PublicationID(),
			Hostname:      r.col.Location.Hostname(),
		})
	}
	r.propensity = propensity.New(server, r.events, propensity.Options{
		Referrer: r.col.Referrer,
		Enabled: func() bool {
			return r.propEnabled.Load() || c.experiments.IsOn(experiments.FlagPropensity)
		},
	})
	return r.propensity, nil
}

// Close stops event delivery and closes a store the runtime opened itself.
func (r *Runtime) Close() error {
	r.events.Close()
	r.mu.Lock()
	c := r.configured
	r.mu.Unlock()
	if c != nil && c.ownsStore {
		return c.deps.Store.Close()
	}
	return nil
}

// optionConfig applies publisher options over the fetched client
// configuration.
type optionConfig struct {
	source        flows.ConfigSource
	paySwgVersion *string
}

func (o optionConfig) ClientConfig(ctx context.Context) (flows.ClientConfig, error) {
	cfg, err := o.source.ClientConfig(ctx)
	if o.paySwgVersion != nil {
		cfg.PaySwgVersion = *o.paySwgVersion
	}
	return cfg, err
}
