package runtime

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/flows"
)

// checkResult is what the entitlement check surface reports.
type checkResult struct {
	JWT       string `json:"jwt"`
	UserToken string `json:"usertoken"`
}

// CheckEntitlements opens the provider's entitlement check surface, where
// the reader signs in, and applies its answer. Dismissing the surface is
// not an error.
func (r *Runtime) CheckEntitlements(ctx context.Context) error {
	c, err := r.configure(ctx)
	if err != nil {
		return err
	}
	view := activity.NewView(activity.Request{
		URL:  activity.FrontendURL(r.cfg.FrontendURL, "/checkentitlements", nil),
		Args: map[string]any{"publicationId": c.page.PublicationID()},
	})
	if err := c.deps.Host.OpenView(ctx, view); err != nil {
		return err
	}
	res, err := view.AcceptResult(ctx)
	if err != nil {
		if paygateerrors.IsAbort(err) {
			return nil
		}
		return err
	}
	var out checkResult
	if err := res.Decode(&out); err != nil {
		return paygateerrors.Protocol("check_entitlements", err)
	}
	r.applyCheckResult(ctx, c, out)
	return nil
}

// applyCheckResult stores found entitlements and confirms the sign-in, or
// tells the reader through the last offers or contributions surface that
// nothing was found.
func (r *Runtime) applyCheckResult(ctx context.Context, c *configured, res checkResult) {
	reg := c.deps.Registry
	if res.JWT != "" {
		if f := reg.Offers(); f != nil {
			_ = f.Close()
		}
		if f := reg.Contributions(); f != nil {
			_ = f.Close()
		}
		c.entitlements.PushNext(res.JWT)
		if res.UserToken != "" {
			c.entitlements.set(flows.StorageUserToken, res.UserToken)
		}
		r.openSignedInToast(ctx, c)
		return
	}

	if f := reg.Offers(); f != nil {
		f.ShowNoEntitlementFoundToast(ctx)
		return
	}
	if f := reg.Contributions(); f != nil {
		f.ShowNoEntitlementFoundToast(ctx)
		return
	}
	log.Debug().Msg("No entitlements found and no surface to report it on")
}

func (r *Runtime) openSignedInToast(ctx context.Context, c *configured) {
	view := activity.NewView(activity.Request{
		URL: activity.FrontendURL(r.cfg.FrontendURL, "/toastiframe", map[string]string{"flavor": "basic"}),
	})
	if err := c.deps.Host.OpenView(ctx, view); err != nil {
		log.Debug().Err(err).Msg("Signed in toast not shown")
	}
}
