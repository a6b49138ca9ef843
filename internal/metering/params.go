package metering

import (
	"context"
	"net/url"
	"strings"

	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/regwall"
)

// PaywallType says where the publisher checks entitlements.
type PaywallType string

const (
	PaywallClientSide PaywallType = "CLIENT_SIDE"
	PaywallServerSide PaywallType = "SERVER_SIDE"
)

func (t PaywallType) valid() bool {
	return t == PaywallClientSide || t == PaywallServerSide
}

const clientIDSuffix = ".apps.googleusercontent.com"

// InitParams is the publisher integration surface of the engine.
type InitParams struct {
	// Exactly one of GoogleAPIClientID and AuthorizationURL is set.
	GoogleAPIClientID string
	AuthorizationURL  string

	// AllowedReferrers are hostname patterns besides Google that may send
	// readers. It must be non-nil, even if empty.
	AllowedReferrers []string

	// ShowcaseEntitlement is a signed grant checked on the publisher's server.
	ShowcaseEntitlement string
	CaslURL             string
	// RawJWT hands RegisterUser the undecoded credential. Defaults to true.
	RawJWT              *bool
	PaywallType         PaywallType
	ShouldInitializeSwG *bool

	UserState *UserState

	UnlockArticle        func()
	ShowPaywall          func()
	HandleSwGEntitlement func(*entitlements.Entitlements)

	HandleLogin          func(ctx context.Context) (*UserState, error)
	RegisterUser         func(ctx context.Context, cred *regwall.Credential) (*UserState, error)
	PublisherEntitlement func(ctx context.Context) (*UserState, error)
}

// Validate checks p. pageIsFree relaxes the grant reason requirement on a
// supplied user state.
func (p *InitParams) Validate(pageIsFree bool) paygateerrors.ValidationErrors {
	var errs paygateerrors.ValidationErrors
	if p == nil {
		errs.Add("params", "params are missing")
		return errs
	}

	switch {
	case (p.GoogleAPIClientID != "") == (p.AuthorizationURL != ""):
		errs.Add("googleApiClientId", "Either googleApiClientId or authorizationUrl should be supplied but not both.")
	case p.AuthorizationURL != "":
		if u, err := url.Parse(p.AuthorizationURL); err != nil || !u.IsAbs() || u.String() != p.AuthorizationURL {
			errs.Add("authorizationUrl", "authorizationUrl is not a valid URL")
		}
	case !strings.Contains(p.GoogleAPIClientID, clientIDSuffix):
		errs.Add("googleApiClientId", "Missing googleApiClientId, or it is not a string, or it is not in a correct format")
	}

	if p.AllowedReferrers == nil {
		errs.Add("allowedReferrers", "Missing allowedReferrers or it is not an array")
	}

	if p.ShowPaywall == nil {
		errs.Add("showPaywall", "Missing showPaywall or it is not a function")
	}
	if p.UnlockArticle == nil && p.ShowcaseEntitlement == "" {
		errs.Add("unlockArticle", "Missing unlockArticle or it is not a function")
	}

	if p.HandleLogin == nil {
		errs.Add("handleLoginPromise", "Missing handleLoginPromise or it is not a promise")
	}
	if p.RegisterUser == nil && p.AuthorizationURL == "" {
		errs.Add("registerUserPromise", "Missing registerUserPromise or it is not a promise")
	}

	if p.PaywallType == PaywallServerSide {
		if p.UserState == nil {
			errs.Add("userState", "userState needs to be provided")
		}
	} else if p.UserState == nil && p.PublisherEntitlement == nil {
		errs.Add("userState", "userState or publisherEntitlementPromise needs to be provided")
	} else if p.UserState != nil && p.PublisherEntitlement == nil {
		s := p.UserState
		if s.Granted == nil || (s.IsGranted() && !pageIsFree && s.GrantReason == nil) {
			errs.Add("userState", "Either granted and grantReason have to be supplied or you have to provide pubisherEntitlementPromise")
		}
	}

	if p.PaywallType != "" && !p.PaywallType.valid() {
		errs.Add("paywallType", "%s is not a valid paywallType", p.PaywallType)
	}
	return errs
}

// Mode returns the effective paywall type. A showcase entitlement always
// means the check happened server side.
func (p *InitParams) Mode() PaywallType {
	if p.ShowcaseEntitlement != "" {
		return PaywallServerSide
	}
	if p.PaywallType == "" {
		return PaywallClientSide
	}
	return p.PaywallType
}

func (p *InitParams) rawJWT() bool {
	return p.RawJWT == nil || *p.RawJWT
}

func (p *InitParams) initializeRuntime() bool {
	return p.ShouldInitializeSwG == nil || *p.ShouldInitializeSwG
}
