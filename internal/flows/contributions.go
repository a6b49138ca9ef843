package flows

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
)

// ContributionsFlow presents contribution amounts. It is closable unless the
// request says otherwise.
type ContributionsFlow struct {
	*lifecycle
	d   *Deps
	req *OffersRequest

	mu   sync.Mutex
	view *activity.View
}

func NewContributionsFlow(d *Deps, req *OffersRequest) *ContributionsFlow {
	if req == nil {
		req = &OffersRequest{}
	}
	return &ContributionsFlow{lifecycle: newLifecycle(FlowShowContributionOptions), d: d, req: req}
}

func (f *ContributionsFlow) url(cfg ClientConfig) string {
	if !cfg.UseUpdatedOfferFlows {
		return f.d.url("/contributionsiframe", nil)
	}
	return f.d.url("/contributionoffersiframe", map[string]string{"publicationId": f.d.publicationID()})
}

// Start opens the contributions surface and returns once it is ready.
func (f *ContributionsFlow) Start(ctx context.Context) error {
	closable := f.req.IsClosable == nil || *f.req.IsClosable
	cfg := f.d.clientConfig(ctx)

	view := activity.NewView(activity.Request{
		URL: f.url(cfg),
		Args: map[string]any{
			"productId":            f.d.productID(),
			"publicationId":        f.d.publicationID(),
			"productType":          string(ProductContribution),
			"list":                 f.req.list(),
			"skus":                 skusArg(f.req.Skus),
			"isClosable":           closable,
			"supportsEventManager": true,
		},
		Closable: closable,
	})
	bg := context.WithoutCancel(ctx)
	view.OnAlreadySubscribed(func(m activity.AlreadySubscribed) {
		if m.SubscriberOrMember {
			f.d.Callbacks.TriggerLoginRequest(loginRequest(m.LinkRequested))
		}
	})
	view.OnSkuSelected(func(m activity.SkuSelected) { f.startPayFlow(bg, m) })

	f.mu.Lock()
	f.view = view
	f.mu.Unlock()

	f.d.Callbacks.TriggerFlowStarted(FlowShowContributionOptions, nil)
	return f.d.openSurface(ctx, f.lifecycle, view, nil, nil)
}

func (f *ContributionsFlow) startPayFlow(ctx context.Context, m activity.SkuSelected) {
	if m.Sku == "" {
		return
	}
	pay := NewPayStartFlow(f.d, PaymentRequest{SkuID: m.Sku, OneTime: m.OneTime}, ProductContribution)
	if err := pay.Start(ctx); err != nil {
		log.Warn().Err(err).Str("sku", m.Sku).Msg("Failed to start contribution payment")
	}
}

// Close closes the surface if it was opened.
func (f *ContributionsFlow) Close() error {
	f.mu.Lock()
	view := f.view
	f.mu.Unlock()
	if view == nil {
		return nil
	}
	return view.Close()
}

// ShowNoEntitlementFoundToast asks the open surface to tell the reader no
// contribution was found.
func (f *ContributionsFlow) ShowNoEntitlementFoundToast(ctx context.Context) {
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
