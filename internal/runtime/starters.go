package runtime

import (
	"context"

	"github.com/rcourtman/paygate/internal/callbacks"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/flows"
)

func (r *Runtime) deps(ctx context.Context) (*flows.Deps, error) {
	c, err := r.configure(ctx)
	if err != nil {
		return nil, err
	}
	return c.deps, nil
}

// ShowOffers presents subscription offers. Use ShowUpdateOffers to change
// an existing subscription.
func (r *Runtime) ShowOffers(ctx context.Context, req *flows.OffersRequest) error {
	if req != nil && req.OldSku != "" {
		return paygateerrors.Contract("show_offers", "The showOffers() method cannot be used to update a subscription. Use the showUpdateOffers() method instead.")
	}
	return r.startOffers(ctx, req)
}

// ShowUpdateOffers presents upgrade or downgrade offers for req.OldSku.
func (r *Runtime) ShowUpdateOffers(ctx context.Context, req *flows.OffersRequest) error {
	if req == nil || req.OldSku == "" {
		return paygateerrors.Contract("show_update_offers", "The showUpdateOffers() method cannot be used for new subscribers. Use the showOffers() method instead.")
	}
	return r.startOffers(ctx, req)
}

func (r *Runtime) startOffers(ctx context.Context, req *flows.OffersRequest) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	f, err := flows.NewOffersFlow(ctx, d, req)
	if err != nil {
		return err
	}
	d.Registry.SetOffers(f)
	return f.Start(ctx)
}

func (r *Runtime) ShowSubscribeOption(ctx context.Context, req *flows.OffersRequest) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewSubscribeOptionFlow(d, req).Start(ctx)
}

func (r *Runtime) ShowAbbrvOffer(ctx context.Context, req *flows.OffersRequest) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewAbbrvOfferFlow(d, req).Start(ctx)
}

func (r *Runtime) ShowContributionOptions(ctx context.Context, req *flows.OffersRequest) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	f := flows.NewContributionsFlow(d, req)
	d.Registry.SetContributions(f)
	return f.Start(ctx)
}

// Subscribe starts a payment for sku.
func (r *Runtime) Subscribe(ctx context.Context, sku string) error {
	return r.pay(ctx, flows.PaymentRequest{SkuID: sku}, flows.ProductSubscription)
}

// UpdateSubscription replaces req.OldSku with req.SkuID.
func (r *Runtime) UpdateSubscription(ctx context.Context, req flows.PaymentRequest) error {
	if req.OldSku == "" {
		return paygateerrors.Contract("update_subscription", "The updateSubscription() method should be used for subscription updates; for new subscriptions please use the subscribe() method")
	}
	return r.pay(ctx, req, flows.ProductSubscription)
}

func (r *Runtime) Contribute(ctx context.Context, req flows.PaymentRequest) error {
	return r.pay(ctx, req, flows.ProductContribution)
}

func (r *Runtime) pay(ctx context.Context, req flows.PaymentRequest, product flows.ProductType) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewPayStartFlow(d, req, product).Start(ctx)
}

// LinkAccount starts linking the reader's publisher account.
func (r *Runtime) LinkAccount(ctx context.Context, ampReaderID string) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewLinkbackFlow(d).Start(ctx, ampReaderID)
}

// SaveSubscription saves the publisher's subscription to the reader's
// provider account using the token cb returns.
func (r *Runtime) SaveSubscription(ctx context.Context, cb flows.SaveSubscriptionFunc) (bool, error) {
	d, err := r.deps(ctx)
	if err != nil {
		return false, err
	}
	return flows.NewLinkSaveFlow(d, cb).Run(ctx)
}

func (r *Runtime) ShowLoginPrompt(ctx context.Context) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewLoginPromptFlow(d).Start(ctx)
}

func (r *Runtime) ShowLoginNotification(ctx context.Context) error {
	d, err := r.deps(ctx)
	if err != nil {
		return err
	}
	return flows.NewLoginNotificationFlow(d).Start(ctx)
}

// TriggerLoginRequest asks the publisher to sign the reader in. It reports
// whether a login callback was set.
func (r *Runtime) TriggerLoginRequest(linkRequested bool) bool {
	return r.callbacks.TriggerLoginRequest(callbacks.LoginRequest{LinkRequested: linkRequested})
}
