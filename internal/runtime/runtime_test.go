package runtime

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/activity/activitytest"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/config"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/flows"
	"github.com/rcourtman/paygate/internal/pagemeta"
	"github.com/rcourtman/paygate/internal/propensity"
	"github.com/rcourtman/paygate/internal/session"
)

const product = "pub1:news"

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func signClaims(t *testing.T, claims any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func signedEntitlements(t *testing.T, exp time.Time, products ...string) string {
	t.Helper()
	return signClaims(t, map[string]any{
		"exp": exp.Unix(),
		"entitlements": []map[string]any{
			{"source": entitlements.SourceGoogle, "products": products, "subscriptionToken": "tok"},
		},
	})
}

// countingFetcher answers with a sequence of entitlement lists; the last one
// repeats.
type countingFetcher struct {
	calls   atomic.Int32
	mu      sync.Mutex
	answers [][]entitlements.Entitlement
	params  []entitlements.GetParams
	err     error
}

func (f *countingFetcher) Entitlements(_ context.Context, params entitlements.GetParams) (*entitlements.Entitlements, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	list := f.answers[min(n, len(f.answers))-1]
	return entitlements.New(product, list), nil
}

func granted(source string) []entitlements.Entitlement {
	return []entitlements.Entitlement{{Source: source, Products: []string{product}}}
}

type harness struct {
	rt      *Runtime
	opener  *activitytest.Opener
	store   *session.MemoryStore
	fetcher *countingFetcher
}

func newHarness(t *testing.T, col Collaborators) *harness {
	t.Helper()
	h := &harness{
		opener:  activitytest.NewOpener(),
		store:   session.NewMemoryStore(),
		fetcher: &countingFetcher{answers: [][]entitlements.Entitlement{nil}},
	}
	if col.Opener == nil {
		col.Opener = h.opener
	}
	if col.Store == nil {
		col.Store = h.store
	}
	if col.Fetcher == nil {
		col.Fetcher = h.fetcher
	}
	if col.ClientConfig == nil {
		col.ClientConfig = flows.StaticConfig{}
	}
	h.rt = New(config.Default(), col)
	t.Cleanup(func() { _ = h.rt.Close() })
	return h
}

func lockedPage(t *testing.T) *pagemeta.Document {
	t.Helper()
	doc, err := pagemeta.ParseString(`<html><head>
		<meta name="subscriptions-product-id" content="` + product + `">
		<meta name="subscriptions-accessible-for-free" content="false">
		</head><body></body></html>`)
	require.NoError(t, err)
	return doc
}

func TestReadyQueueRunsInOrder(t *testing.T) {
	q := NewReadyQueue()
	var order []string
	q.Push(func(*Runtime) { order = append(order, "a") })
	q.Push(func(*Runtime) {
		order = append(order, "b")
		q.Push(func(*Runtime) { order = append(order, "c") })
	})
	if len(order) != 0 {
		t.Fatalf("calls ran before install: %v", order)
	}

	rt := New(nil, Collaborators{})
	t.Cleanup(func() { _ = rt.Close() })
	q.Install(rt)
	q.Push(func(got *Runtime) {
		if got != rt {
			t.Errorf("Push() runtime = %p, want %p", got, rt)
		}
		order = append(order, "d")
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestClientOptionsValidate(t *testing.T) {
	empty := ""
	tests := []struct {
		name      string
		opts      ClientOptions
		wantField string
	}{
		{"empty", ClientOptions{}, ""},
		{"redirect", ClientOptions{WindowOpenMode: config.WindowOpenRedirect, AnalyticsMode: config.AnalyticsImpressions}, ""},
		{"window mode", ClientOptions{WindowOpenMode: "popup"}, "windowOpenMode"},
		{"analytics off is not a publisher mode", ClientOptions{AnalyticsMode: config.AnalyticsOff}, "analyticsMode"},
		{"empty publisher id", ClientOptions{PublisherProvidedID: &empty}, "publisherProvidedId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.opts.Validate()
			if tt.wantField == "" {
				if !errs.OK() {
					t.Fatalf("Validate() = %v, want ok", errs)
				}
				return
			}
			if !errs.Has(tt.wantField) {
				t.Fatalf("Validate() = %v, want error on %s", errs, tt.wantField)
			}
		})
	}
}

func TestConfigureMergesOptions(t *testing.T) {
	h := newHarness(t, Collaborators{})
	on, id, version := true, "reader-7", "2"

	require.NoError(t, h.rt.Configure(ClientOptions{Experiments: []string{"x"}, PublisherProvidedID: &id}))
	require.NoError(t, h.rt.Configure(ClientOptions{WindowOpenMode: config.WindowOpenRedirect, EnablePropensity: &on, PaySwgVersion: &version, Experiments: []string{"y"}}))
	require.Error(t, h.rt.Configure(ClientOptions{WindowOpenMode: "tab"}))

	got := h.rt.Options()
	assert.Equal(t, config.WindowOpenRedirect, got.WindowOpenMode)
	assert.Equal(t, []string{"x", "y"}, got.Experiments)
	assert.Equal(t, "reader-7", stringValue(got.PublisherProvidedID))
	assert.True(t, boolValue(got.EnablePropensity))

	require.NoError(t, h.rt.Init(product))
	c, err := h.rt.configure(testCtx(t))
	require.NoError(t, err)
	assert.True(t, c.experiments.IsOn("x"))
	assert.True(t, c.experiments.IsOn("y"))
	assert.Equal(t, config.WindowOpenRedirect, c.deps.WindowOpenMode)

	cfg, err := c.deps.Config.ClientConfig(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "2", cfg.PaySwgVersion)

	require.NoError(t, h.rt.Configure(ClientOptions{Experiments: []string{"late"}}))
	assert.True(t, c.experiments.IsOn("late"))
}

func TestInitOnlyBeforeConfiguration(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))
	if err := h.rt.Init(product); !errors.Is(err, paygateerrors.ErrAlreadyConfigured) {
		t.Fatalf("second Init() error = %v, want ErrAlreadyConfigured", err)
	}

	h = newHarness(t, Collaborators{Document: lockedPage(t)})
	_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	if err := h.rt.Init(product); !errors.Is(err, paygateerrors.ErrAlreadyConfigured) {
		t.Fatalf("Init() after lookup error = %v, want ErrAlreadyConfigured", err)
	}
}

func TestNoPageConfig(t *testing.T) {
	h := newHarness(t, Collaborators{})
	if err := h.rt.Start(testCtx(t)); !errors.Is(err, paygateerrors.ErrNoPageConfig) {
		t.Fatalf("Start() error = %v, want ErrNoPageConfig", err)
	}
	if err := h.rt.ShowOffers(testCtx(t), nil); !errors.Is(err, paygateerrors.ErrNoPageConfig) {
		t.Fatalf("ShowOffers() error = %v, want ErrNoPageConfig", err)
	}
	_, err := h.rt.EventManager().Ready().Wait(testCtx(t))
	require.ErrorIs(t, err, paygateerrors.ErrNoPageConfig)
}

func TestStart(t *testing.T) {
	tests := []struct {
		name      string
		init      string
		doc       bool
		wantFetch int32
	}{
		{"locked page", "", true, 1},
		{"init is never locked", product, false, 0},
		{"publication only", "pub1", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := Collaborators{}
			if tt.doc {
				col.Document = lockedPage(t)
			}
			h := newHarness(t, col)
			if tt.init != "" {
				require.NoError(t, h.rt.Init(tt.init))
			}
			require.NoError(t, h.rt.Start(testCtx(t)))
			if got := h.fetcher.calls.Load(); got != tt.wantFetch {
				t.Fatalf("fetches = %d, want %d", got, tt.wantFetch)
			}
		})
	}
}

func TestGetEntitlementsSharesOneLookup(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	h.fetcher.answers = [][]entitlements.Entitlement{granted(entitlements.SourceGoogleMetering)}

	responses := make(chan *async.Promise[*entitlements.Entitlements], 4)
	h.rt.SetOnEntitlementsResponse(func(p *async.Promise[*entitlements.Entitlements]) { responses <- p })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ents, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
			if err != nil || !ents.EnablesThis() {
				t.Errorf("GetEntitlements() = %v, %v", ents, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.fetcher.calls.Load())

	select {
	case p := <-responses:
		ents, err := p.Wait(testCtx(t))
		require.NoError(t, err)
		assert.True(t, ents.EnablesThisWithGoogleMetering())
	case <-testCtx(t).Done():
		t.Fatal("entitlements callback not triggered")
	}

	require.NoError(t, h.rt.Reset(testCtx(t)))
	_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.fetcher.calls.Load())
}

func TestGetEntitlementsFailureIsNotKept(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	h.fetcher.err = errors.New("offline")
	_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.Error(t, err)

	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	_, err = h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.fetcher.calls.Load())
}

func TestGetEntitlementsForwardsPublisherProvidedID(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	id := "reader-7"
	require.NoError(t, h.rt.Configure(ClientOptions{PublisherProvidedID: &id}))
	_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)

	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	require.Len(t, h.fetcher.params, 1)
	assert.Equal(t, "reader-7", h.fetcher.params[0].PublisherProvidedID)
}

func TestStoredEntitlementsSkipFetch(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	require.NoError(t, h.store.Set(StorageEntitlements, signedEntitlements(t, time.Now().Add(time.Hour), product)))

	ents, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	assert.True(t, ents.EnablesThis())
	assert.Equal(t, int32(0), h.fetcher.calls.Load())

	// Documents needing decryption always go to the provider.
	require.NoError(t, h.rt.Reset(testCtx(t)))
	_, err = h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{EncryptedDocumentKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestExpectPositiveRetries(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	h.fetcher.answers = [][]entitlements.Entitlement{nil, nil, granted(entitlements.SourceGoogle)}
	c, err := h.rt.configure(testCtx(t))
	require.NoError(t, err)
	c.entitlements.retryDelay = time.Millisecond
	require.NoError(t, h.store.Set(StorageEntitlements, "stale"))

	c.entitlements.Reset(true)
	_, ok, _ := h.store.Get(StorageEntitlements)
	assert.False(t, ok, "expecting a positive answer drops the stored one")

	ents, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	assert.True(t, ents.EnablesThis())
	assert.Equal(t, int32(3), h.fetcher.calls.Load())
}

func TestBlockNextNotification(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	var triggered atomic.Int32
	h.rt.SetOnEntitlementsResponse(func(*async.Promise[*entitlements.Entitlements]) { triggered.Add(1) })

	c, err := h.rt.configure(testCtx(t))
	require.NoError(t, err)
	c.entitlements.BlockNextNotification()
	_, err = h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), triggered.Load())

	require.NoError(t, h.rt.Reset(testCtx(t)))
	_, err = h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return triggered.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPushNext(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	c, err := h.rt.configure(testCtx(t))
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"valid", signedEntitlements(t, time.Now().Add(time.Hour), product), true},
		{"expired", signedEntitlements(t, time.Now().Add(-time.Hour), product), false},
		{"other product", signedEntitlements(t, time.Now().Add(time.Hour), "pub2:news"), false},
		{"garbage", "not-a-token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.store.Remove(StorageEntitlements))
			if got := c.entitlements.PushNext(tt.raw); got != tt.want {
				t.Fatalf("PushNext() = %v, want %v", got, tt.want)
			}
			stored, ok, _ := h.store.Get(StorageEntitlements)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, tt.raw, stored)
			}
		})
	}
}

func TestSubscriberToastShownOnce(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	h.fetcher.answers = [][]entitlements.Entitlement{granted(entitlements.SourceGoogle)}

	_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	port, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	assert.Contains(t, port.Request.URL, "/swg/ui/v1/toastiframe")
	assert.Equal(t, entitlements.SourceGoogle, port.Request.Args["source"])
	require.Eventually(t, func() bool {
		v, _, _ := h.store.Get(StorageToast)
		return v == "1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.rt.Reset(testCtx(t)))
	_, err = h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.opener.Ports(), 1)

	require.NoError(t, h.rt.Clear(testCtx(t)))
	_, ok, _ := h.store.Get(StorageToast)
	assert.False(t, ok)
}

func TestEntitlementEvents(t *testing.T) {
	tests := []struct {
		name   string
		answer []entitlements.Entitlement
		want   events.Type
	}{
		{"none", nil, events.EventNoEntitlements},
		{"metering", granted(entitlements.SourceGoogleMetering), events.EventHasMeteringEntitlements},
		{"subscription", granted(entitlements.SourceGoogle), events.EventUnlockedBySubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Collaborators{Document: lockedPage(t)})
			h.fetcher.answers = [][]entitlements.Entitlement{tt.answer}
			var (
				mu  sync.Mutex
				got []events.Type
			)
			h.rt.EventManager().RegisterListener(func(ev events.Event) {
				mu.Lock()
				got = append(got, ev.Type)
				mu.Unlock()
			})

			_, err := h.rt.GetEntitlements(testCtx(t), entitlements.GetParams{})
			require.NoError(t, err)
			require.NoError(t, h.rt.EventManager().Flush(testCtx(t)))

			mu.Lock()
			defer mu.Unlock()
			assert.Contains(t, got, events.ActionGetEntitlements)
			assert.Contains(t, got, tt.want)
		})
	}
}

func TestFlowStarterContracts(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))
	ctx := testCtx(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"offers with old sku", func() error { return h.rt.ShowOffers(ctx, &flows.OffersRequest{OldSku: "a"}) }},
		{"update offers without old sku", func() error { return h.rt.ShowUpdateOffers(ctx, &flows.OffersRequest{}) }},
		{"update offers nil", func() error { return h.rt.ShowUpdateOffers(ctx, nil) }},
		{"update subscription without old sku", func() error {
			return h.rt.UpdateSubscription(ctx, flows.PaymentRequest{SkuID: "b"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !paygateerrors.IsContract(err) {
				t.Fatalf("error = %v, want contract error", err)
			}
		})
	}
	assert.Empty(t, h.opener.Ports())
}

func TestShowOffersRegistersFlow(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	require.NoError(t, h.rt.ShowOffers(testCtx(t), &flows.OffersRequest{Skus: []string{"a", "b"}}))
	port, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	assert.Contains(t, port.Request.URL, "/swg/ui/v1/offersiframe")
	assert.Equal(t, "pub1", port.Request.Args["publicationId"])

	c, err := h.rt.configure(testCtx(t))
	require.NoError(t, err)
	require.NotNil(t, c.deps.Registry.Offers())
	assert.Equal(t, []string{"a", "b"}, c.deps.Registry.Offers().Skus())

	require.NoError(t, h.rt.ShowContributionOptions(testCtx(t), nil))
	_, err = h.opener.Next(testCtx(t))
	require.NoError(t, err)
	assert.NotNil(t, c.deps.Registry.Contributions())
}

func TestCheckEntitlementsNothingFoundToastsOnOffers(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	require.NoError(t, h.rt.ShowOffers(testCtx(t), &flows.OffersRequest{Skus: []string{"a"}}))
	offers, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.rt.CheckEntitlements(testCtx(t)) }()
	check, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	assert.Contains(t, check.Request.URL, "/checkentitlements")
	assert.Equal(t, "pub1", check.Request.Args["publicationId"])

	check.Complete(map[string]any{})
	require.NoError(t, <-done)
	assert.Contains(t, offers.Sent(), activity.Message(activity.EntitlementsResponse{}))
	assert.False(t, offers.Closed())
}

func TestCheckEntitlementsNothingFoundFallsBackToContributions(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	require.NoError(t, h.rt.ShowContributionOptions(testCtx(t), nil))
	contributions, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.rt.CheckEntitlements(testCtx(t)) }()
	check, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	check.Complete(map[string]any{})
	require.NoError(t, <-done)

	assert.Contains(t, contributions.Sent(), activity.Message(activity.EntitlementsResponse{}))
}

func TestCheckEntitlementsFoundStoresTokenAndToasts(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	require.NoError(t, h.rt.ShowOffers(testCtx(t), &flows.OffersRequest{Skus: []string{"a"}}))
	offers, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.rt.CheckEntitlements(testCtx(t)) }()
	check, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	check.Complete(map[string]any{
		"jwt":       signedEntitlements(t, time.Now().Add(time.Hour), product),
		"usertoken": "reader-token",
	})
	require.NoError(t, <-done)

	assert.True(t, offers.Closed())
	token, ok, err := h.store.Get(flows.StorageUserToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reader-token", token)

	toast, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	assert.Contains(t, toast.Request.URL, "/toastiframe")
	assert.Contains(t, toast.Request.URL, "flavor=basic")
}

func TestCheckEntitlementsDismissedIsNotAnError(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	done := make(chan error, 1)
	go func() { done <- h.rt.CheckEntitlements(testCtx(t)) }()
	check, err := h.opener.Next(testCtx(t))
	require.NoError(t, err)
	check.Cancel()
	assert.NoError(t, <-done)
}

func TestTriggerLoginRequest(t *testing.T) {
	h := newHarness(t, Collaborators{})
	assert.False(t, h.rt.TriggerLoginRequest(true))
}

func freshLocation(t *testing.T, scheme string) *url.URL {
	t.Helper()
	q := url.Values{
		"gaa_at":  {"na"},
		"gaa_n":   {"n0nc3"},
		"gaa_sig": {"s1g"},
		"gaa_ts":  {strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 16)},
	}
	return &url.URL{Scheme: scheme, Host: "news.example", Path: "/a", RawQuery: q.Encode()}
}

func TestSetShowcaseEntitlement(t *testing.T) {
	tests := []struct {
		name     string
		location *url.URL
		want     bool
	}{
		{"secure and fresh", freshLocation(t, "https"), true},
		{"insecure", freshLocation(t, "http"), false},
		{"no params", &url.URL{Scheme: "https", Host: "news.example"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Collaborators{Location: tt.location})
			require.NoError(t, h.rt.Init(product))
			var (
				mu  sync.Mutex
				got []events.Event
			)
			h.rt.EventManager().RegisterListener(func(ev events.Event) {
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			})

			require.NoError(t, h.rt.SetShowcaseEntitlement(testCtx(t), events.ShowcaseEntitlement{
				Entitlement:      events.ShowcaseUnlockedByMeter,
				IsUserRegistered: true,
			}))
			require.NoError(t, h.rt.EventManager().Flush(testCtx(t)))

			mu.Lock()
			defer mu.Unlock()
			if !tt.want {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 2)
			assert.Equal(t, events.EventHasMeteringEntitlements, got[0].Type)
			assert.Equal(t, events.EventUnlockedByMeter, got[1].Type)
			assert.Equal(t, events.OriginShowcase, got[1].Originator)
		})
	}
}

func TestSetShowcaseEntitlementRejectsUnknown(t *testing.T) {
	h := newHarness(t, Collaborators{Location: freshLocation(t, "https")})
	require.NoError(t, h.rt.Init(product))
	err := h.rt.SetShowcaseEntitlement(testCtx(t), events.ShowcaseEntitlement{Entitlement: "EVENT_BOGUS"})
	assert.True(t, paygateerrors.IsContract(err))
}

func TestConsumeShowcaseEntitlementJWT(t *testing.T) {
	var consumed atomic.Int32
	consumer := entitlements.ConsumerFunc(func(_ context.Context, ents *entitlements.Entitlements, onClose func()) error {
		consumed.Add(1)
		if !ents.EnablesThis() {
			return errors.New("not enabled")
		}
		onClose()
		return nil
	})
	h := newHarness(t, Collaborators{Consumer: consumer})
	require.NoError(t, h.rt.Init(product))

	closed := false
	token := signedEntitlements(t, time.Now().Add(time.Hour), product)
	require.NoError(t, h.rt.ConsumeShowcaseEntitlementJWT(testCtx(t), token, func() { closed = true }))
	assert.True(t, closed)
	assert.Equal(t, int32(1), consumed.Load())

	err := h.rt.ConsumeShowcaseEntitlementJWT(testCtx(t), "garbage", nil)
	require.Error(t, err)
}

func TestConsumeShowcaseEntitlementJWTWithoutConsumer(t *testing.T) {
	h := newHarness(t, Collaborators{})
	require.NoError(t, h.rt.Init(product))

	closed := false
	token := signedEntitlements(t, time.Now().Add(time.Hour), product)
	require.NoError(t, h.rt.ConsumeShowcaseEntitlementJWT(testCtx(t), token, func() { closed = true }))
	assert.True(t, closed)
}

type stubScores struct {
	mu     sync.Mutex
	events []string
}

func (s *stubScores) Propensity(context.Context, string, propensity.Type) (*propensity.Score, error) {
	return &propensity.Score{OK: true}, nil
}

func (s *stubScores) SendSubscriptionState(context.Context, string, string) error { return nil }

func (s *stubScores) SendEvent(_ context.Context, event, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubScores) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPropensityFollowsOption(t *testing.T) {
	scores := &stubScores{}
	h := newHarness(t, Collaborators{Propensity: scores})
	require.NoError(t, h.rt.Init(product))

	mod, err := h.rt.Propensity(testCtx(t))
	require.NoError(t, err)
	again, err := h.rt.Propensity(testCtx(t))
	require.NoError(t, err)
	assert.Same(t, mod, again)

	h.rt.EventManager().LogSwgEvent(events.ImpressionOffers, false, nil)
	require.NoError(t, h.rt.EventManager().Flush(testCtx(t)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, scores.count())

	on := true
	require.NoError(t, h.rt.Configure(ClientOptions{EnablePropensity: &on}))
	h.rt.EventManager().LogSwgEvent(events.ImpressionOffers, false, nil)
	require.NoError(t, h.rt.EventManager().Flush(testCtx(t)))
	require.Eventually(t, func() bool { return scores.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAnalyticsOffCancelsRuntimeEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Analytics = config.AnalyticsOff
	rt := New(cfg, Collaborators{Store: session.NewMemoryStore(), ClientConfig: flows.StaticConfig{}})
	t.Cleanup(func() { _ = rt.Close() })
	require.NoError(t, rt.Init(product))

	var got atomic.Int32
	rt.EventManager().RegisterListener(func(events.Event) { got.Add(1) })
	rt.EventManager().LogSwgEvent(events.ImpressionOffers, false, nil)
	logger, err := rt.Logger(testCtx(t))
	require.NoError(t, err)
	require.NoError(t, logger.SendEvent(events.PublisherRecord{Name: events.PublisherOfferSelected}))
	require.NoError(t, rt.EventManager().Flush(testCtx(t)))
	assert.Equal(t, int32(1), got.Load())
}

func TestNewMeteringEngine(t *testing.T) {
	h := newHarness(t, Collaborators{Document: lockedPage(t)})
	if eng := h.rt.NewMeteringEngine(nil); eng == nil {
		t.Fatal("NewMeteringEngine() = nil")
	}
}

func TestEachRuntimeHasItsOwnSession(t *testing.T) {
	a := newHarness(t, Collaborators{})
	b := newHarness(t, Collaborators{})
	assert.NotEmpty(t, a.rt.SessionID())
	assert.NotEqual(t, a.rt.SessionID(), b.rt.SessionID())
}
