// Package gaa checks whether a page view carries fresh, signed access
// parameters and came from an allowed referrer.
package gaa

import (
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// Cross-frame protocol constants shared with the sign-in surfaces.
const (
	PostMessageStamp = "swg-gaa-post-message-stamp"

	CommandIntroduction    = "introduction"
	CommandUser            = "user"
	CommandError           = "error"
	CommandGSIButtonClick  = "gsi-button-click"
	CommandSIWGButtonClick = "siwg-button-click"
	Command3PButtonClick   = "3p-button-click"

	// RedirectDelay is how long a third-party sign-in click waits so the
	// click can be logged before navigating away.
	RedirectDelay = 10 * time.Millisecond
)

// Query parameter names.
const (
	ParamAccessType = "gaa_at"
	ParamNonce      = "gaa_n"
	ParamSignature  = "gaa_sig"
	ParamTimestamp  = "gaa_ts"

	accessTypeNone = "na"
)

var googleDomain = regexp.MustCompile(`(^|\.)google\.(com?|[a-z]{2}|com?\.[a-z]{2}|cat)$`)

// HasFreshParams reports whether query carries all four access parameters
// with an expiry that has not passed. An access type of "na" is rejected
// unless allowAllAccessTypes is set.
func HasFreshParams(query url.Values, allowAllAccessTypes bool, now time.Time) bool {
	for _, p := range []string{ParamAccessType, ParamNonce, ParamSignature, ParamTimestamp} {
		if query.Get(p) == "" {
			return false
		}
	}
	if !allowAllAccessTypes && query.Get(ParamAccessType) == accessTypeNone {
		return false
	}

	expires, err := strconv.ParseInt(query.Get(ParamTimestamp), 16, 64)
	if err != nil {
		return false
	}
	return float64(expires) >= float64(now.UnixMilli())/1000
}

// HasFreshQuery is HasFreshParams for a raw query string, with or without
// the leading "?".
func HasFreshQuery(rawQuery string, allowAllAccessTypes bool, now time.Time) bool {
	if len(rawQuery) > 0 && rawQuery[0] == '?' {
		rawQuery = rawQuery[1:]
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	return HasFreshParams(q, allowAllAccessTypes, now)
}

// WasReferredByGoogle reports whether referrer is a secure Google domain.
func WasReferredByGoogle(referrer *url.URL) bool {
	if referrer == nil {
		return false
	}
	return referrer.Scheme == "https" && googleDomain.MatchString(referrer.Hostname())
}

// ReferrerAllowed reports whether host matches one of the publisher's
// referrer patterns. Patterns may use wildcards.
func ReferrerAllowed(allowed []string, host string) bool {
	for _, pattern := range allowed {
		if pattern == host || wildcard.Match(pattern, host) {
			return true
		}
	}
	return false
}

// IsGaa reports whether a page view with the given query and referrer is
// eligible for Google-mediated access. Any access type is accepted here.
func IsGaa(query url.Values, referrer string, allowed []string, now time.Time) bool {
	if !HasFreshParams(query, true, now) {
		return false
	}

	ref, err := url.Parse(referrer)
	if err != nil {
		ref = &url.URL{}
	}
	if !WasReferredByGoogle(ref) && !ReferrerAllowed(allowed, ref.Hostname()) {
		log.Debug().Str("referrer", ref.Scheme+"://"+ref.Host).Msg("Referrer can't grant Google Article Access")
		return false
	}
	return true
}

// ToSeconds converts a timestamp that may be in seconds, milliseconds or
// microseconds to seconds.
func ToSeconds(ts int64) int64 {
	switch {
	case ts >= 1e14 || ts <= -1e14:
		return floorDiv(ts, 1e6)
	case ts >= 1e11 || ts <= -3e10:
		return floorDiv(ts, 1000)
	default:
		return ts
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
