package entitlements

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/rcourtman/paygate/internal/jwtutil"
)

// ServiceID identifies the provider in an entitlements response.
const ServiceID = "subscribe.google.com"

// Consumer depletes a metering entitlement once the reader has been shown
// the metering notice. onClose runs after the notice is dismissed.
type Consumer interface {
	Consume(ctx context.Context, ents *Entitlements, onClose func()) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, ents *Entitlements, onClose func()) error

func (f ConsumerFunc) Consume(ctx context.Context, ents *Entitlements, onClose func()) error {
	return f(ctx, ents, onClose)
}

type consumeState struct {
	once sync.Once
	done atomic.Bool
	err  error
}

// Entitlements is the provider's answer for the current page view.
type Entitlements struct {
	Service              string
	Raw                  string
	Entitlements         []Entitlement
	IsReadyToPay         *bool
	DecryptedDocumentKey string
	UserToken            string

	product  string
	consumer Consumer
	consumed *consumeState
}

// Option configures a new Entitlements value.
type Option func(*Entitlements)

// WithConsumer sets the consume handler.
func WithConsumer(c Consumer) Option {
	return func(e *Entitlements) { e.consumer = c }
}

// WithRaw records the signed response the entitlements came from.
func WithRaw(raw string) Option {
	return func(e *Entitlements) { e.Raw = raw }
}

// WithReadyToPay records the ready-to-pay flag.
func WithReadyToPay(ready bool) Option {
	return func(e *Entitlements) { e.IsReadyToPay = &ready }
}

// New returns entitlements for product.
func New(product string, list []Entitlement, opts ...Option) *Entitlements {
	e := &Entitlements{
		Service:      ServiceID,
		Entitlements: list,
		product:      product,
		consumed:     &consumeState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Product is the product id the entitlements were evaluated against.
func (e *Entitlements) Product() string { return e.product }

// Clone copies e. The copy shares the consume-once state with e.
func (e *Entitlements) Clone() *Entitlements {
	out := *e
	out.Entitlements = make([]Entitlement, len(e.Entitlements))
	for i, ent := range e.Entitlements {
		out.Entitlements[i] = ent.Clone()
	}
	return &out
}

// EnablesThis reports whether an entitlement unlocks the current product,
// optionally restricted to source.
func (e *Entitlements) EnablesThis(source ...string) bool {
	return e.Enables(e.product, source...)
}

// Enables reports whether an entitlement unlocks product.
func (e *Entitlements) Enables(product string, source ...string) bool {
	if product == "" {
		return false
	}
	_, ok := e.EntitlementFor(product, source...)
	return ok
}

// EnablesAny reports whether any entitlement unlocks any product.
func (e *Entitlements) EnablesAny(source ...string) bool {
	src := firstOf(source)
	for _, ent := range e.Entitlements {
		if len(ent.Products) > 0 && (src == "" || src == ent.Source) {
			return true
		}
	}
	return false
}

// EnablesThisWithGoogleMetering reports whether the product is unlocked only
// by a metering entitlement.
func (e *Entitlements) EnablesThisWithGoogleMetering() bool {
	ent, ok := e.EntitlementForThis()
	return ok && ent.Source == SourceGoogleMetering
}

// EnablesThisWithGoogleDevMode reports whether the unlocking entitlement is
// a dev mode grant.
func (e *Entitlements) EnablesThisWithGoogleDevMode() bool {
	ent, ok := e.EntitlementForThis()
	if !ok {
		return false
	}
	firstParty := ent.Source == SourceGoogle && strings.Contains(ent.SubscriptionToken, DevModeOrder)
	return firstParty || ent.SubscriptionToken == DevModeToken
}

// EnablesThisWithCacheableEntitlements reports whether the unlocking
// entitlement may be cached between page views.
func (e *Entitlements) EnablesThisWithCacheableEntitlements() bool {
	ent, ok := e.EntitlementForThis()
	return ok && !e.EnablesThisWithGoogleDevMode() && ent.Source != SourceGoogleMetering
}

// EntitlementForThis returns the entitlement unlocking the current product.
func (e *Entitlements) EntitlementForThis(source ...string) (Entitlement, bool) {
	return e.EntitlementFor(e.product, source...)
}

// EntitlementFor returns the entitlement unlocking product. Subscription
// entitlements are preferred over metering ones so metered reads are not
// spent needlessly.
func (e *Entitlements) EntitlementFor(product string, source ...string) (Entitlement, bool) {
	if product == "" {
		log.Warn().Msg("Entitlement check requires a product id on the page")
		return Entitlement{}, false
	}
	src := firstOf(source)

	var metering *Entitlement
	for i := range e.Entitlements {
		ent := &e.Entitlements[i]
		if !ent.Enables(product) || (src != "" && src != ent.Source) {
			continue
		}
		if ent.Source != SourceGoogleMetering {
			return *ent, true
		}
		if metering == nil {
			metering = ent
		}
	}
	if metering != nil {
		return *metering, true
	}
	return Entitlement{}, false
}

// EntitlementForSource returns the first entitlement from source that
// carries a subscription token, regardless of product.
func (e *Entitlements) EntitlementForSource(source string) (Entitlement, bool) {
	for _, ent := range e.Entitlements {
		if ent.SubscriptionToken != "" && ent.Source == source {
			return ent, true
		}
	}
	return Entitlement{}, false
}

// Consume depletes a metering entitlement. Only the first call across e and
// its clones reaches the consumer; later calls return the first result.
// Without a consumer the entitlement is marked consumed and onClose runs
// immediately.
func (e *Entitlements) Consume(ctx context.Context, onClose func()) error {
	if e.consumed == nil {
		e.consumed = &consumeState{}
	}
	e.consumed.once.Do(func() {
		defer e.consumed.done.Store(true)
		if e.consumer == nil {
			log.Debug().Msg("No consumer configured; treating metering entitlement as consumed")
			if onClose != nil {
				onClose()
			}
			return
		}
		e.consumed.err = e.consumer.Consume(ctx, e, onClose)
	})
	return e.consumed.err
}

// Consumed reports whether Consume has run.
func (e *Entitlements) Consumed() bool {
	return e.consumed != nil && e.consumed.done.Load()
}

// Parse reads a provider response holding either "signedEntitlements" (a
// JWT with an "entitlements" claim) or plain "entitlements".
func Parse(body []byte, product string, opts ...Option) *Entitlements {
	doc := gjson.ParseBytes(body)

	if v := doc.Get("isReadyToPay"); v.Exists() && v.Type != gjson.Null {
		opts = append(opts, WithReadyToPay(v.Bool()))
	}

	var ents *Entitlements
	if signed := doc.Get("signedEntitlements").String(); signed != "" {
		parsed, err := ParseShowcaseJWT(signed, product, opts...)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid signed entitlements")
		} else {
			ents = parsed
		}
	} else if plain := doc.Get("entitlements"); plain.Exists() {
		ents = New(product, ParseList([]byte(plain.Raw)), opts...)
	}
	if ents == nil {
		ents = New(product, nil, opts...)
	}
	ents.DecryptedDocumentKey = doc.Get("decryptedDocumentKey").String()
	ents.UserToken = doc.Get("swgUserToken").String()
	return ents
}

// ParseShowcaseJWT decodes a signed entitlements token. The signature is
// verified by the provider when the token is redeemed.
func ParseShowcaseJWT(raw, product string, opts ...Option) (*Entitlements, error) {
	var claims struct {
		Exp          json.RawMessage `json:"exp"`
		Entitlements json.RawMessage `json:"entitlements"`
	}
	if err := jwtutil.DecodeUnverified(raw, &claims); err != nil {
		return nil, err
	}
	if len(claims.Entitlements) == 0 || string(claims.Entitlements) == "null" {
		return nil, fmt.Errorf("token has no entitlements claim")
	}
	opts = append([]Option{WithRaw(raw)}, opts...)
	return New(product, ParseList(claims.Entitlements), opts...), nil
}

// ExpiresAt returns the exp claim of a signed entitlements token.
func ExpiresAt(raw string) (time.Time, error) {
	var claims struct {
		Exp json.Number `json:"exp"`
	}
	if err := jwtutil.DecodeUnverified(raw, &claims); err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseFloat(claims.Exp.String(), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func firstOf(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
