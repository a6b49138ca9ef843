package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/flows"
	"github.com/rcourtman/paygate/internal/session"
)

// Session storage keys owned by the entitlements manager.
const (
	StorageEntitlements = "ENTITLEMENTS"
	StorageToast        = "TOAST"
	StorageReadyToPay   = "IS_READY_TO_PAY"
)

const (
	expectPositiveRetries = 3
	defaultRetryDelay     = 550 * time.Millisecond
)

// entitlementsManager caches the entitlements lookup for one page view and
// reports each fetched answer. It implements flows.EntitlementsHub.
type entitlementsManager struct {
	product   string
	fetcher   entitlements.Fetcher
	consumer  entitlements.Consumer
	store     session.Store
	callbacks *callbacks.Callbacks
	events    flows.EventLogger
	// toast presents the "already subscribed" notification for source.
	toast      func(ctx context.Context, source string)
	now        func() time.Time
	retryDelay time.Duration

	mu              sync.Mutex
	response        *async.Promise[*entitlements.Entitlements]
	positiveRetries int
	blockNext       bool
}

func (m *entitlementsManager) Reset(expectPositive bool) {
	m.mu.Lock()
	m.response = nil
	if expectPositive {
		m.positiveRetries = max(m.positiveRetries, expectPositiveRetries)
	}
	m.mu.Unlock()
	if expectPositive {
		m.remove(StorageEntitlements, StorageReadyToPay)
	}
}

// Clear drops the cached lookup and every stored entitlements value.
func (m *entitlementsManager) Clear() {
	m.mu.Lock()
	m.response = nil
	m.positiveRetries = 0
	m.blockNext = false
	m.mu.Unlock()
	m.remove(StorageEntitlements, StorageToast, StorageReadyToPay)
}

// Get returns the page view's entitlements. Concurrent and later callers
// share one lookup until Reset or Clear. A failed lookup is not kept.
func (m *entitlementsManager) Get(ctx context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error) {
	m.mu.Lock()
	p := m.response
	if p == nil {
		p = async.NewPromise[*entitlements.Entitlements]()
		m.response = p
		go m.resolve(context.WithoutCancel(ctx), p, params)
	}
	m.mu.Unlock()

	ents, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return ents.Clone(), nil
}

func (m *entitlementsManager) resolve(ctx context.Context, p *async.Promise[*entitlements.Entitlements], params entitlements.GetParams) {
	ents, err := m.fetchWithCaching(ctx, params)
	if err != nil {
		m.mu.Lock()
		if m.response == p {
			m.response = nil
		}
		m.mu.Unlock()
		p.Reject(err)
		return
	}
	m.onFetched(ctx, ents)
	p.Resolve(ents)
}

func (m *entitlementsManager) fetchWithCaching(ctx context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error) {
	if params.EncryptedDocumentKey == "" {
		if raw := m.get(StorageEntitlements); raw != "" {
			if cached := m.validJWT(raw, m.get(StorageReadyToPay)); cached != nil && cached.EnablesThis() {
				m.mu.Lock()
				m.positiveRetries = 0
				m.mu.Unlock()
				return cached, nil
			}
		}
	}

	ents, err := m.fetch(ctx, params)
	if err != nil {
		return nil, err
	}
	if ents.EnablesThisWithCacheableEntitlements() && ents.Raw != "" {
		m.set(StorageEntitlements, ents.Raw)
	}
	if ents.IsReadyToPay != nil {
		m.set(StorageReadyToPay, strconv.FormatBool(*ents.IsReadyToPay))
	}
	if ents.UserToken != "" {
		m.set(flows.StorageUserToken, ents.UserToken)
	}
	return ents, nil
}

// fetch asks the provider, retrying after a short delay while a positive
// answer is expected but not yet visible.
func (m *entitlementsManager) fetch(ctx context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error) {
	if m.fetcher == nil {
		return nil, paygateerrors.Contract("get_entitlements", "no entitlements fetcher configured")
	}
	m.mu.Lock()
	retries := m.positiveRetries
	m.positiveRetries = 0
	m.mu.Unlock()

	for {
		retries--
		ents, err := m.fetcher.Entitlements(ctx, params)
		if err != nil {
			return nil, err
		}
		if ents == nil {
			ents = entitlements.New(m.product, nil)
		}
		if ents.EnablesThis() || retries <= 0 {
			return ents, nil
		}
		log.Debug().Int("retries_left", retries).Msg("Entitlements not granted yet; retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
}

// onFetched reports a fresh answer unless the notification was blocked by a
// running flow.
func (m *entitlementsManager) onFetched(ctx context.Context, ents *entitlements.Entitlements) {
	m.mu.Lock()
	blocked := m.blockNext
	m.blockNext = false
	m.mu.Unlock()
	if blocked {
		return
	}

	m.callbacks.TriggerEntitlementsResponse(async.Resolved(ents.Clone()))

	ent, ok := ents.EntitlementForThis()
	if !ok {
		m.events.LogSwgEvent(events.EventNoEntitlements, false, nil)
		return
	}
	if ent.Source == entitlements.SourceGoogleMetering {
		m.events.LogSwgEvent(events.EventHasMeteringEntitlements, false, nil)
		return
	}
	m.events.LogSwgEvent(events.EventUnlockedBySubscription, false, &events.Params{
		IsUserRegistered:      events.Bool(true),
		SubscriptionTimestamp: ent.SubscriptionTimestamp,
	})

	if m.get(StorageToast) == "1" || m.toast == nil {
		return
	}
	source := ent.Source
	if source == "" {
		source = entitlements.SourceGoogleMetering
	}
	m.toast(ctx, source)
}

// PushNext stores a signed answer for the next lookup when it is unexpired
// and unlocks the product.
func (m *entitlementsManager) PushNext(raw string) bool {
	ents := m.validJWT(raw, "")
	if ents == nil || !ents.EnablesThis() {
		return false
	}
	m.set(StorageEntitlements, raw)
	return true
}

func (m *entitlementsManager) BlockNextNotification() {
	m.mu.Lock()
	m.blockNext = true
	m.mu.Unlock()
}

func (m *entitlementsManager) UnblockNextNotification() {
	m.mu.Lock()
	m.blockNext = false
	m.mu.Unlock()
}

func (m *entitlementsManager) SetToastShown(shown bool) {
	v := "0"
	if shown {
		v = "1"
	}
	m.set(StorageToast, v)
}

func (m *entitlementsManager) validJWT(raw, readyToPay string) *entitlements.Entitlements {
	exp, err := entitlements.ExpiresAt(raw)
	if err != nil || exp.Before(m.now()) {
		return nil
	}
	opts := []entitlements.Option{entitlements.WithConsumer(m.consumer)}
	if ready, err := strconv.ParseBool(readyToPay); err == nil {
		opts = append(opts, entitlements.WithReadyToPay(ready))
	}
	ents, err := entitlements.ParseShowcaseJWT(raw, m.product, opts...)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring unusable signed entitlements")
		return nil
	}
	return ents
}

func (m *entitlementsManager) get(key string) string {
	if m.store == nil {
		return ""
	}
	v, _, err := m.store.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to read session value")
		return ""
	}
	return v
}

func (m *entitlementsManager) set(key, value string) {
	if m.store == nil {
		return
	}
	if err := m.store.Set(key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist session value")
	}
}

func (m *entitlementsManager) remove(keys ...string) {
	if m.store == nil {
		return
	}
	for _, key := range keys {
		if err := m.store.Remove(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to remove session value")
		}
	}
}
