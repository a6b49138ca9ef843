// Package metering decides, for one page view, whether the reader may see
// the article and drives the registration wall and login sub-flows when they
// may not.
package metering

import (
	"math"
	"time"

	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/gaa"
)

// GrantReason explains why a reader was granted access.
type GrantReason string

const (
	GrantFree       GrantReason = "FREE"
	GrantSubscriber GrantReason = "SUBSCRIBER"
	GrantMetering   GrantReason = "METERING"
)

// Valid reports whether r is a known grant reason.
func (r GrantReason) Valid() bool {
	switch r {
	case GrantFree, GrantSubscriber, GrantMetering:
		return true
	}
	return false
}

// PaywallReason explains why a reader who is not granted sees a paywall.
type PaywallReason string

const PaywallReservedUser PaywallReason = "RESERVED_USER"

// UserState is the publisher's view of the reader. Absent fields are nil.
// Timestamps are numbers in seconds, milliseconds or microseconds.
type UserState struct {
	Granted               *bool          `json:"granted,omitempty"`
	GrantReason           *GrantReason   `json:"grantReason,omitempty"`
	PaywallReason         *PaywallReason `json:"paywallReason,omitempty"`
	ID                    *string        `json:"id,omitempty"`
	RegistrationTimestamp *float64       `json:"registrationTimestamp,omitempty"`
	SubscriptionTimestamp *float64       `json:"subscriptionTimestamp,omitempty"`
}

// IsGranted reports whether granted is present and true.
func (s *UserState) IsGranted() bool {
	return s != nil && s.Granted != nil && *s.Granted
}

// HasGrant reports whether both granted and grantReason were supplied.
func (s *UserState) HasGrant() bool {
	return s != nil && s.Granted != nil && s.GrantReason != nil
}

// Reason returns the grant reason, or "" when absent.
func (s *UserState) Reason() GrantReason {
	if s == nil || s.GrantReason == nil {
		return ""
	}
	return *s.GrantReason
}

// IsRegistered reports whether the reader has a publisher id.
func (s *UserState) IsRegistered() bool {
	return s != nil && s.ID != nil && *s.ID != ""
}

// SubscriptionTime returns the subscription timestamp, if any.
func (s *UserState) SubscriptionTime() *time.Time {
	if s == nil || s.SubscriptionTimestamp == nil {
		return nil
	}
	t := time.Unix(gaa.ToSeconds(int64(*s.SubscriptionTimestamp)), 0)
	return &t
}

// Clone returns a deep copy of s.
func (s *UserState) Clone() *UserState {
	if s == nil {
		return nil
	}
	out := &UserState{}
	if s.Granted != nil {
		v := *s.Granted
		out.Granted = &v
	}
	if s.GrantReason != nil {
		v := *s.GrantReason
		out.GrantReason = &v
	}
	if s.PaywallReason != nil {
		v := *s.PaywallReason
		out.PaywallReason = &v
	}
	if s.ID != nil {
		v := *s.ID
		out.ID = &v
	}
	if s.RegistrationTimestamp != nil {
		v := *s.RegistrationTimestamp
		out.RegistrationTimestamp = &v
	}
	if s.SubscriptionTimestamp != nil {
		v := *s.SubscriptionTimestamp
		out.SubscriptionTimestamp = &v
	}
	return out
}

// GetParams builds the metering state sent with an entitlements lookup.
func (s *UserState) GetParams() entitlements.GetParams {
	state := entitlements.MeteringState{StandardAttributes: map[string]entitlements.Attribute{}}
	if s != nil && s.ID != nil {
		state.ID = *s.ID
	}
	if s != nil && s.RegistrationTimestamp != nil {
		state.StandardAttributes[entitlements.RegisteredUserAttribute] = entitlements.Attribute{
			Timestamp: gaa.ToSeconds(int64(*s.RegistrationTimestamp)),
		}
	}
	return entitlements.GetParams{Metering: &entitlements.MeteringParams{State: state}}
}

// Validate checks s against the publisher contract. A nil state is invalid.
func (s *UserState) Validate(now time.Time) paygateerrors.ValidationErrors {
	var errs paygateerrors.ValidationErrors
	if s == nil {
		errs.Add("userState", "userState is missing")
		return errs
	}

	if s.Granted == nil {
		errs.Add("granted", "userState.granted is missing or invalid (must be true or false)")
	}

	if s.IsGranted() && !s.Reason().Valid() {
		errs.Add("grantReason", "if userState.granted is true then userState.grantReason has to be either METERING, or SUBSCRIBER")
	}

	if s.IsGranted() && s.Reason() == GrantSubscriber {
		if s.ID == nil || s.RegistrationTimestamp == nil {
			errs.Add("id", "Missing user ID or registrationTimestamp in userState object")
		} else {
			checkTimestamp(&errs, "registrationTimestamp", *s.RegistrationTimestamp, now)
			if s.SubscriptionTimestamp == nil {
				errs.Add("subscriptionTimestamp", "subscriptionTimestamp is required if userState.grantReason is SUBSCRIBER")
			} else {
				checkTimestamp(&errs, "subscriptionTimestamp", *s.SubscriptionTimestamp, now)
			}
		}
	}

	// id and registrationTimestamp travel together; a half-supplied pair
	// ends validation.
	if s.ID != nil && s.RegistrationTimestamp == nil {
		errs.Add("registrationTimestamp", "Missing registrationTimestamp in userState object")
		return errs
	}
	if s.ID == nil && s.RegistrationTimestamp != nil {
		errs.Add("id", "Missing user ID in userState object")
		return errs
	}

	if s.PaywallReason != nil {
		if s.IsGranted() {
			errs.Add("paywallReason", "userState.granted must be false when paywallReason is supplied.")
		}
		if *s.PaywallReason != PaywallReservedUser {
			errs.Add("paywallReason", "userState.paywallReason has to be empty or set to RESERVED_USER.")
		}
	}
	return errs
}

func checkTimestamp(errs *paygateerrors.ValidationErrors, field string, ts float64, now time.Time) {
	if ts != math.Trunc(ts) || math.IsInf(ts, 0) {
		errs.Add(field, "userState.%s invalid, userState.%s needs to be an integer and in seconds", field, field)
		return
	}
	if gaa.ToSeconds(int64(ts)) > now.Unix() {
		errs.Add(field, "userState.%s is in the future", field)
	}
}
