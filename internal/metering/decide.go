package metering

import "time"

// OutcomeKind is the access decision for a page view.
type OutcomeKind string

const (
	Unlock               OutcomeKind = "unlock"
	ShowRegistrationWall OutcomeKind = "show_registration_wall"
	ShowPaywall          OutcomeKind = "show_paywall"
	// AwaitLookup means the publisher's entitlement lookup decides.
	AwaitLookup OutcomeKind = "await_lookup"
	// Redeem means a showcase entitlement token is consumed before unlock.
	Redeem OutcomeKind = "redeem"
	// CheckEntitlements means the provider is asked about the reader.
	CheckEntitlements OutcomeKind = "check_entitlements"
	// NoAction means the supplied state was rejected and nothing happens.
	NoAction OutcomeKind = "no_action"
)

// Outcome is the result of Decide.
type Outcome struct {
	Kind          OutcomeKind   `json:"kind"`
	GrantReason   GrantReason   `json:"grantReason,omitempty"`
	PaywallReason PaywallReason `json:"paywallReason,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// Decide maps the page view inputs to an outcome. It never blocks and
// never fails; an invalid state yields NoAction with the validation message.
func Decide(state *UserState, pageIsFree bool, showcaseToken string, mode PaywallType, now time.Time) Outcome {
	if pageIsFree {
		return Outcome{Kind: Unlock, GrantReason: GrantFree, Reason: "article free from markup"}
	}

	if state.HasGrant() {
		return decideGranted(state, now)
	}

	if showcaseToken != "" {
		mode = PaywallServerSide
	}
	if mode == PaywallServerSide {
		switch {
		case showcaseToken != "":
			return Outcome{Kind: Redeem, GrantReason: GrantMetering, Reason: "showcase entitlement supplied"}
		case !state.IsRegistered():
			return Outcome{Kind: ShowRegistrationWall, Reason: "reader not registered"}
		default:
			return Outcome{Kind: ShowPaywall, PaywallReason: paywallReason(state), Reason: "no grant and no showcase entitlement"}
		}
	}
	return Outcome{Kind: AwaitLookup, Reason: "publisher entitlement lookup"}
}

func decideGranted(state *UserState, now time.Time) Outcome {
	if errs := state.Validate(now); !errs.OK() {
		return Outcome{Kind: NoAction, Reason: errs.Error()}
	}
	if state.IsGranted() {
		return Outcome{Kind: Unlock, GrantReason: state.Reason(), Reason: "granted by publisher"}
	}
	if state.RegistrationTimestamp != nil && *state.RegistrationTimestamp != 0 {
		return Outcome{Kind: CheckEntitlements, Reason: "registered reader without grant"}
	}
	return Outcome{Kind: ShowRegistrationWall, Reason: "reader not registered"}
}

func paywallReason(state *UserState) PaywallReason {
	if state == nil || state.PaywallReason == nil {
		return ""
	}
	return *state.PaywallReason
}
