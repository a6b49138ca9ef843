// Package entitlements models the provider's entitlement response and the
// rules for deciding whether it unlocks the current product.
package entitlements

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/rcourtman/paygate/internal/jwtutil"
)

// Entitlement sources.
const (
	SourceGoogle         = "google"
	SourceGoogleMetering = "google:metering"
	SourcePrivileged     = "privileged"
)

// Dev mode markers carried in subscription tokens.
const (
	DevModeToken = "GOOGLE_DEV_MODE_TOKEN"
	DevModeOrder = "GOOGLE_DEV_MODE_ORDER"
)

// Entitlement is one provider grant.
type Entitlement struct {
	Source            string
	Products          []string
	SubscriptionToken string
	// TokenClaims holds the decoded subscription token when it is a JWT.
	TokenClaims           map[string]any
	SubscriptionTimestamp *time.Time
}

// Enables reports whether e unlocks product. A "pub:*" product matches any
// entitlement for that publication, and a "pub:*" entitlement matches any
// product of that publication.
func (e Entitlement) Enables(product string) bool {
	if product == "" {
		return false
	}
	if eq := strings.IndexByte(product, ':'); eq != -1 {
		publication := product[:eq+1]
		if product == publication+"*" {
			for _, candidate := range e.Products {
				if strings.HasPrefix(candidate, publication) {
					return true
				}
			}
		}
		for _, candidate := range e.Products {
			if candidate == publication+"*" {
				return true
			}
		}
	}
	for _, candidate := range e.Products {
		if candidate == product {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of e.
func (e Entitlement) Clone() Entitlement {
	out := e
	out.Products = append([]string(nil), e.Products...)
	if e.TokenClaims != nil {
		out.TokenClaims = make(map[string]any, len(e.TokenClaims))
		for k, v := range e.TokenClaims {
			out.TokenClaims[k] = v
		}
	}
	if e.SubscriptionTimestamp != nil {
		ts := *e.SubscriptionTimestamp
		out.SubscriptionTimestamp = &ts
	}
	return out
}

// SKU returns the product id embedded in a google subscription token.
func (e Entitlement) SKU() string {
	if e.Source != SourceGoogle {
		return ""
	}
	sku := gjson.Get(e.SubscriptionToken, "productId").String()
	if sku == "" {
		log.Warn().Msg("Unable to retrieve SKU from subscription token")
	}
	return sku
}

// MeteringClientType returns metering.clientType from the decoded token.
func (e Entitlement) MeteringClientType() int {
	metering, ok := e.TokenClaims["metering"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := metering["clientType"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// ParseList reads a single entitlement object or a list of them.
func ParseList(raw []byte) []Entitlement {
	doc := gjson.ParseBytes(raw)
	if !doc.Exists() || doc.Type == gjson.Null {
		return nil
	}
	items := []gjson.Result{doc}
	if doc.IsArray() {
		items = doc.Array()
	}
	out := make([]Entitlement, 0, len(items))
	for _, item := range items {
		out = append(out, parseOne(item))
	}
	return out
}

func parseOne(item gjson.Result) Entitlement {
	e := Entitlement{
		Source:            item.Get("source").String(),
		SubscriptionToken: item.Get("subscriptionToken").String(),
	}
	for _, p := range item.Get("products").Array() {
		e.Products = append(e.Products, p.String())
	}
	if e.SubscriptionToken != "" && jwtutil.LooksLikeJWT(e.SubscriptionToken) {
		var claims map[string]any
		if err := jwtutil.DecodeUnverified(e.SubscriptionToken, &claims); err == nil {
			e.TokenClaims = claims
		}
	}
	if ts := item.Get("subscriptionTimestamp"); ts.Exists() {
		secs := ts.Get("seconds_")
		if !secs.Exists() {
			secs = ts.Get("seconds")
		}
		nanos := ts.Get("nanos_")
		if !nanos.Exists() {
			nanos = ts.Get("nanos")
		}
		if secs.Exists() {
			t := time.Unix(secs.Int(), nanos.Int()).UTC()
			e.SubscriptionTimestamp = &t
		}
	}
	return e
}
