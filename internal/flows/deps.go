package flows

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/config"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/pagemeta"
	"github.com/rcourtman/paygate/internal/session"
)

// Flow names reported to lifecycle callbacks.
const (
	FlowShowOffers                      = "showOffers"
	FlowShowSubscribeOption             = "showSubscribeOption"
	FlowShowAbbrvOffer                  = "showAbbrvOffer"
	FlowShowContributionOptions         = "showContributionOptions"
	FlowSubscribe                       = "subscribe"
	FlowContribute                      = "contribute"
	FlowCompleteDeferredAccountCreation = "completeDeferredAccountCreation"
	FlowLinkAccount                     = "linkAccount"
	FlowShowLoginPrompt                 = "showLoginPrompt"
	FlowShowLoginNotification           = "showLoginNotification"
)

// Session storage keys.
const (
	StorageUserToken = "USER_TOKEN"
	StorageReadTime  = "READ_TIME"
)

// ProductType is what a purchase buys.
type ProductType string

const (
	ProductSubscription ProductType = "SUBSCRIPTION"
	ProductContribution ProductType = "UI_CONTRIBUTION"
)

func (p ProductType) flowName() string {
	if p == ProductContribution {
		return FlowContribute
	}
	return FlowSubscribe
}

// UIPredicates are server side switches for surface features.
type UIPredicates struct {
	CanDisplayAutoPrompt      bool `json:"canDisplayAutoPrompt"`
	CanDisplayButton          bool `json:"canDisplayButton"`
	PurchaseUnavailableRegion bool `json:"purchaseUnavailableRegion"`
}

// ClientConfig is the publication's client configuration.
type ClientConfig struct {
	PaySwgVersion             string         `json:"paySwgVersion,omitempty"`
	UseUpdatedOfferFlows      bool           `json:"useUpdatedOfferFlows"`
	SkipAccountCreationScreen bool           `json:"skipAccountCreationScreen"`
	UIPredicates              UIPredicates   `json:"uiPredicates"`
	AttributionParams         map[string]any `json:"attributionParams,omitempty"`
}

// ConfigSource provides the client configuration.
type ConfigSource interface {
	ClientConfig(ctx context.Context) (ClientConfig, error)
}

// StaticConfig is a ConfigSource that always returns itself.
type StaticConfig ClientConfig

func (c StaticConfig) ClientConfig(context.Context) (ClientConfig, error) {
	return ClientConfig(c), nil
}

// PayOptions tune how the payment client opens.
type PayOptions struct {
	ForceRedirect      bool
	ForceDisableNative bool
}

// PayClient starts payments and reports their outcome. Responses resolve
// with the raw payment data, or reject with an error wrapping ErrAborted
// when the reader cancels.
type PayClient interface {
	Start(ctx context.Context, req PayRequest, opts PayOptions) error
	OnResponse(func(*async.Promise[json.RawMessage]))
}

// EventLogger records analytics events.
type EventLogger interface {
	LogSwgEvent(t events.Type, fromUserAction bool, params *events.Params)
}

// Experiments reports experiment flags.
type Experiments interface {
	IsOn(id string) bool
}

// EntitlementsHub is the part of the entitlements manager flows drive.
type EntitlementsHub interface {
	// Reset clears cached entitlements. expectPositive marks that the next
	// lookup is expected to grant access.
	Reset(expectPositive bool)
	// PushNext offers a signed entitlements token for the next lookup.
	PushNext(raw string) bool
	BlockNextNotification()
	UnblockNextNotification()
	SetToastShown(shown bool)
}

// Deps are the collaborators every flow uses. Callbacks, Host and Page are
// required; everything else may be nil.
type Deps struct {
	Callbacks    *callbacks.Callbacks
	Host         *activity.Host
	Page         *pagemeta.PageConfig
	Events       EventLogger
	Config       ConfigSource
	Pay          PayClient
	Store        session.Store
	Experiments  Experiments
	Entitlements EntitlementsHub
	Registry     *Registry
	Transaction  *Transaction

	FrontendURL    string
	Lang           string
	WindowOpenMode config.WindowOpenMode

	waitingForPay atomic.Bool
}

func (d *Deps) clientConfig(ctx context.Context) ClientConfig {
	if d.Config == nil {
		return ClientConfig{}
	}
	cfg, err := d.Config.ClientConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Client configuration unavailable; using defaults")
		return ClientConfig{}
	}
	return cfg
}

func (d *Deps) logEvent(t events.Type, fromUserAction bool, params *events.Params) {
	if d.Events == nil {
		return
	}
	d.Events.LogSwgEvent(t, fromUserAction, params)
}

func (d *Deps) isOn(flag string) bool {
	return d.Experiments != nil && d.Experiments.IsOn(flag)
}

// url builds a surface address, adding the forced language when set.
func (d *Deps) url(path string, params map[string]string) string {
	if params == nil {
		params = map[string]string{}
	}
	if d.Lang != "" {
		params["hl"] = d.Lang
	}
	return activity.FrontendURL(d.FrontendURL, path, params)
}

func (d *Deps) publicationID() string {
	if d.Page == nil {
		return ""
	}
	return d.Page.PublicationID()
}

func (d *Deps) productID() string {
	if d.Page == nil {
		return ""
	}
	return d.Page.ProductID()
}

func (d *Deps) storeSet(key, value string) {
	if d.Store == nil || value == "" {
		return
	}
	if err := d.Store.Set(key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist session value")
	}
}

func (d *Deps) entitlements() EntitlementsHub {
	if d.Entitlements == nil {
		return noEntitlements{}
	}
	return d.Entitlements
}

type noEntitlements struct{}

func (noEntitlements) Reset(bool)               {}
func (noEntitlements) PushNext(string) bool     { return false }
func (noEntitlements) BlockNextNotification()   {}
func (noEntitlements) UnblockNextNotification() {}
func (noEntitlements) SetToastShown(bool)       {}

// Transaction is the anonymous id analytics events are logged against.
type Transaction struct {
	mu sync.Mutex
	id string
}

// NewTransaction returns a transaction with a random id.
func NewTransaction() *Transaction {
	return &Transaction{id: uuid.NewString()}
}

func (t *Transaction) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Transaction) Set(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

func (d *Deps) transactionID() string {
	if d.Transaction == nil {
		return ""
	}
	return d.Transaction.ID()
}

func skuParams(sku, flow string) *events.Params {
	return &events.Params{Sku: sku, SubscriptionFlow: flow}
}
