package flows

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/events"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// AllSkus asks the surface to show every offer.
const AllSkus = "*"

const defaultList = "default"

// OffersRequest selects the offers to present. Composed flows share one
// request: a nested offers flow reads the same value its parent received.
type OffersRequest struct {
	Skus       []string `json:"skus,omitempty"`
	OldSku     string   `json:"oldSku,omitempty"`
	List       string   `json:"list,omitempty"`
	IsClosable *bool    `json:"isClosable,omitempty"`
}

func (r *OffersRequest) list() string {
	if r.List == "" {
		return defaultList
	}
	return r.List
}

// skusArg is the surface's "skus" argument; nil when the publisher gave none.
func skusArg(skus []string) any {
	if skus == nil {
		return nil
	}
	return skus
}

// OffersFlow presents subscription offers.
type OffersFlow struct {
	*lifecycle
	d    *Deps
	skus []string
	args map[string]any
	cfg  ClientConfig

	// pay is set when the request reduced to a single upgrade option.
	pay *PayStartFlow

	mu   sync.Mutex
	view *activity.View
}

// NewOffersFlow validates and normalises req. An old SKU requires a SKU list
// that still has an entry once the old SKU is removed; a violation is a
// contract error. When exactly one candidate remains the flow goes straight to
// payment on Start.
func NewOffersFlow(ctx context.Context, d *Deps, req *OffersRequest) (*OffersFlow, error) {
	if req == nil {
		req = &OffersRequest{}
	}
	f := &OffersFlow{lifecycle: newLifecycle(FlowShowOffers), d: d}

	closable := req.IsClosable != nil && *req.IsClosable
	f.args = map[string]any{
		"showNative":  d.Callbacks.HasSubscribeRequestCallback(),
		"productType": string(ProductSubscription),
		"list":        req.list(),
		"skus":        skusArg(req.Skus),
		"isClosable":  closable,
	}

	skus := req.Skus
	if req.OldSku != "" {
		f.args["oldSku"] = req.OldSku
		if len(skus) == 0 {
			return nil, paygateerrors.Contract("show_offers", "Need a sku list if old sku is provided!")
		}
		skus = slices.DeleteFunc(slices.Clone(skus), func(s string) bool { return s == req.OldSku })
		if len(skus) == 0 {
			return nil, paygateerrors.Contract("show_offers", "Sku list only contained offer user already has")
		}
		f.args["skus"] = skus

		if len(skus) == 1 {
			f.pay = newSelectedPayFlow(d, activity.SkuSelected{Sku: skus[0], OldSku: req.OldSku})
			f.skus = skus
			return f, nil
		}
	}

	if len(skus) == 0 {
		skus = []string{AllSkus}
	}
	f.skus = skus
	f.cfg = d.clientConfig(ctx)
	return f, nil
}

// Skus are the candidate SKUs after normalisation.
func (f *OffersFlow) Skus() []string {
	return slices.Clone(f.skus)
}

// Bypassed reports whether the flow handed straight over to payment.
func (f *OffersFlow) Bypassed() bool {
	return f.pay != nil
}

func (f *OffersFlow) url() string {
	if !f.cfg.UseUpdatedOfferFlows {
		return f.d.url("/offersiframe", nil)
	}
	params := map[string]string{"publicationId": f.d.publicationID()}
	if f.cfg.UIPredicates.PurchaseUnavailableRegion {
		params["purchaseUnavailableRegion"] = "true"
	}
	return f.d.url("/subscriptionoffersiframe", params)
}

// Start opens the offers surface, or starts payment for a bypassed request.
// It returns once the surface is ready.
func (f *OffersFlow) Start(ctx context.Context) error {
	if f.pay != nil {
		f.transition(StateCompleted)
		return f.pay.Start(ctx)
	}

	bg := context.WithoutCancel(ctx)
	view := activity.NewView(activity.Request{URL: f.url(), Args: f.args, Closable: f.args["isClosable"].(bool)})
	view.OnSkuSelected(func(m activity.SkuSelected) { f.startPayFlow(bg, m) })
	view.OnAlreadySubscribed(func(m activity.AlreadySubscribed) { handleLinkRequest(f.d, m) })
	view.OnViewSubscriptions(func(m activity.ViewSubscriptions) { startNativeFlow(f.d, m) })

	f.mu.Lock()
	f.view = view
	f.mu.Unlock()

	data := map[string]any{"skus": f.Skus(), "source": "SwG"}
	f.d.Callbacks.TriggerFlowStarted(FlowShowOffers, data)
	return f.d.openSurface(ctx, f.lifecycle, view, data, nil)
}

// Close closes the surface if it was opened.
func (f *OffersFlow) Close() error {
	f.mu.Lock()
	view := f.view
	f.mu.Unlock()
	if view == nil {
		return nil
	}
	return view.Close()
}

// ShowNoEntitlementFoundToast asks the open surface to tell the reader no
// subscription was found.
func (f *OffersFlow) ShowNoEntitlementFoundToast(ctx context.Context) {
	f.mu.Lock()
	view := f.view
	f.mu.Unlock()
	if view == nil {
		return
	}
	if err := view.Execute(ctx, activity.EntitlementsResponse{}); err != nil {
		log.Debug().Err(err).Msg("Failed to show no entitlement toast")
	}
}

func (f *OffersFlow) startPayFlow(ctx context.Context, m activity.SkuSelected) {
	if m.Sku == "" {
		return
	}
	f.d.logEvent(events.ActionOfferSelected, true, skuParams(m.Sku, ""))
	if err := newSelectedPayFlow(f.d, m).Start(ctx); err != nil {
		log.Warn().Err(err).Str("sku", m.Sku).Msg("Failed to start payment")
	}
}

func newSelectedPayFlow(d *Deps, m activity.SkuSelected) *PayStartFlow {
	return NewPayStartFlow(d, PaymentRequest{SkuID: m.Sku, OldSku: m.OldSku}, ProductSubscription)
}

// handleLinkRequest turns an already-subscribed reply into a login request.
func handleLinkRequest(d *Deps, m activity.AlreadySubscribed) {
	if !m.SubscriberOrMember {
		return
	}
	d.logEvent(events.ActionAlreadySubscribed, true, nil)
	d.Callbacks.TriggerLoginRequest(loginRequest(m.LinkRequested))
}

func startNativeFlow(d *Deps, m activity.ViewSubscriptions) {
	if m.Native {
		d.Callbacks.TriggerSubscribeRequest()
	}
}

// SubscribeOptionFlow shows a call to action that leads to the offers.
type SubscribeOptionFlow struct {
	*lifecycle
	d    *Deps
	req  *OffersRequest
	once sync.Once

	offers *async.Promise[*OffersFlow]
}

// NewSubscribeOptionFlow returns a flow that opens offers for req when the
// reader accepts.
func NewSubscribeOptionFlow(d *Deps, req *OffersRequest) *SubscribeOptionFlow {
	if req == nil {
		req = &OffersRequest{}
	}
	return &SubscribeOptionFlow{
		lifecycle: newLifecycle(FlowShowSubscribeOption),
		d:         d,
		req:       req,
		offers:    async.NewPromise[*OffersFlow](),
	}
}

// Offers resolves with the offers flow once the reader accepts.
func (f *SubscribeOptionFlow) Offers() *async.Promise[*OffersFlow] {
	return f.offers
}

func (f *SubscribeOptionFlow) Start(ctx context.Context) error {
	view := activity.NewView(activity.Request{
		URL: f.d.url("/optionsiframe", nil),
		Args: map[string]any{
			"publicationId": f.d.publicationID(),
			"productId":     f.d.productID(),
			"list":          f.req.list(),
			"skus":          skusArg(f.req.Skus),
			"isClosable":    true,
		},
		Closable: true,
	})
	bg := context.WithoutCancel(ctx)
	view.OnSubscribe(func(m activity.Subscribe) { f.maybeOpenOffers(bg, m.Subscribe) })

	f.d.Callbacks.TriggerFlowStarted(FlowShowSubscribeOption, nil)
	f.d.logEvent(events.ImpressionClickToShowOffers, false, nil)
	return f.d.openSurface(ctx, f.lifecycle, view, nil, func(ctx context.Context, res activity.Result) error {
		var data struct {
			Subscribe bool `json:"subscribe"`
		}
		if err := res.Decode(&data); err != nil {
			return paygateerrors.Protocol("subscribe_option", err)
		}
		f.maybeOpenOffers(ctx, data.Subscribe)
		return nil
	})
}

func (f *SubscribeOptionFlow) maybeOpenOffers(ctx context.Context, subscribe bool) {
	if !subscribe {
		return
	}
	f.once.Do(func() {
		if f.req.IsClosable == nil {
			closable := true
			f.req.IsClosable = &closable
		}
		f.d.logEvent(events.ActionViewOffers, true, nil)
		startNestedOffers(ctx, f.d, f.req, f.offers)
	})
}

// AbbrvOfferFlow shows an abbreviated offer that expands into the offers.
type AbbrvOfferFlow struct {
	*lifecycle
	d   *Deps
	req *OffersRequest

	offers *async.Promise[*OffersFlow]
}

func NewAbbrvOfferFlow(d *Deps, req *OffersRequest) *AbbrvOfferFlow {
	if req == nil {
		req = &OffersRequest{}
	}
	return &AbbrvOfferFlow{
		lifecycle: newLifecycle(FlowShowAbbrvOffer),
		d:         d,
		req:       req,
		offers:    async.NewPromise[*OffersFlow](),
	}
}

// Offers resolves with the offers flow if the reader asks for all offers.
func (f *AbbrvOfferFlow) Offers() *async.Promise[*OffersFlow] {
	return f.offers
}

func (f *AbbrvOfferFlow) Start(ctx context.Context) error {
	view := activity.NewView(activity.Request{
		URL: f.d.url("/abbrvofferiframe", nil),
		Args: map[string]any{
			"publicationId": f.d.publicationID(),
			"productId":     f.d.productID(),
			"showNative":    f.d.Callbacks.HasSubscribeRequestCallback(),
			"list":          f.req.list(),
			"skus":          skusArg(f.req.Skus),
			"isClosable":    true,
		},
		Closable: true,
	})
	view.OnAlreadySubscribed(func(m activity.AlreadySubscribed) { handleLinkRequest(f.d, m) })

	f.d.Callbacks.TriggerFlowStarted(FlowShowAbbrvOffer, nil)
	f.d.logEvent(events.ImpressionClickToShowOffersOrAlreadySubscribed, false, nil)
	return f.d.openSurface(ctx, f.lifecycle, view, nil, func(ctx context.Context, res activity.Result) error {
		var data struct {
			ViewOffers bool `json:"viewOffers"`
			Native     bool `json:"native"`
		}
		if err := res.Decode(&data); err != nil {
			return paygateerrors.Protocol("abbrv_offer", err)
		}
		switch {
		case data.ViewOffers:
			f.d.logEvent(events.ActionViewOffers, true, nil)
			startNestedOffers(ctx, f.d, f.req, f.offers)
		case data.Native:
			f.d.Callbacks.TriggerSubscribeRequest()
		}
		return nil
	})
}

func startNestedOffers(ctx context.Context, d *Deps, req *OffersRequest, out *async.Promise[*OffersFlow]) {
	offers, err := NewOffersFlow(ctx, d, req)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid offers request")
		out.Reject(err)
		return
	}
	if d.Registry != nil {
		d.Registry.SetOffers(offers)
	}
	if err := offers.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start offers flow")
	}
	out.Resolve(offers)
}
