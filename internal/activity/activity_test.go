package activity_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/activity/activitytest"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		env     activity.Envelope
		want    activity.Message
		wantErr bool
	}{
		{
			name: "sku selected",
			env:  activity.Envelope{Type: "SkuSelectedResponse", Payload: json.RawMessage(`{"sku":"basic","oldSku":"old","oneTime":true}`)},
			want: activity.SkuSelected{Sku: "basic", OldSku: "old", OneTime: true},
		},
		{
			name: "already subscribed",
			env:  activity.Envelope{Type: "AlreadySubscribedResponse", Payload: json.RawMessage(`{"subscriberOrMember":true,"linkRequested":true}`)},
			want: activity.AlreadySubscribed{SubscriberOrMember: true, LinkRequested: true},
		},
		{
			name: "empty payload",
			env:  activity.Envelope{Type: "ViewSubscriptionsResponse"},
			want: activity.ViewSubscriptions{},
		},
		{
			name:    "unknown type",
			env:     activity.Envelope{Type: "MysteryResponse"},
			wantErr: true,
		},
		{
			name:    "bad body",
			env:     activity.Envelope{Type: "SkuSelectedResponse", Payload: json.RawMessage(`{"sku":5}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := activity.Decode(tt.env)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, paygateerrors.ErrProtocol))
				return
			}
			require.NoError(t, err)
			if got != tt.want {
				t.Fatalf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeRoundTripsKind(t *testing.T) {
	env, err := activity.Encode(activity.AccountCreationRequest{Complete: true})
	require.NoError(t, err)
	assert.Equal(t, "AccountCreationRequest", env.Type)
	assert.JSONEq(t, `{"complete":true}`, string(env.Payload))
}

func TestHostRoutesMessagesToHandlers(t *testing.T) {
	opener := activitytest.NewOpener()
	host := activity.NewHost(opener, func() activity.Defaults {
		return activity.Defaults{ClientVersion: "1.2", PublicationID: "pub1", ProductID: "pub1:basic", UserToken: "tok"}
	})

	view := activity.NewView(activity.Request{URL: "https://news.example/swg/ui/v1/offersiframe", Args: map[string]any{"productId": "override"}})
	var (
		mu       sync.Mutex
		selected []string
	)
	view.OnSkuSelected(func(m activity.SkuSelected) {
		mu.Lock()
		defer mu.Unlock()
		selected = append(selected, m.Sku)
	})

	require.NoError(t, host.OpenView(testCtx(t), view))
	port := opener.Ports()[0]

	assert.Equal(t, "SwG 1.2", port.Request.Args["_client"])
	assert.Equal(t, "pub1", port.Request.Args["publicationId"])
	assert.Equal(t, "override", port.Request.Args["productId"])
	u, err := url.Parse(port.Request.URL)
	require.NoError(t, err)
	assert.Equal(t, "tok", u.Query().Get("sut"))
	assert.Equal(t, "pub1", u.Query().Get("publicationId"))

	port.Emit(activity.SkuSelected{Sku: "basic"})
	port.Emit(activity.LinkingInfo{Requested: true}) // no handler, dropped
	port.Emit(activity.SkuSelected{Sku: "premium"})

	mu.Lock()
	assert.Equal(t, []string{"basic", "premium"}, selected)
	mu.Unlock()

	// Registrations after open are ignored.
	view.OnLinkingInfo(func(activity.LinkingInfo) { t.Fatal("late handler called") })
	port.Emit(activity.LinkingInfo{Requested: true})
}

func TestHostReportsProtocolErrors(t *testing.T) {
	opener := activitytest.NewOpener()
	host := activity.NewHost(opener, nil)
	view := activity.NewView(activity.Request{URL: "https://news.example/x"})
	require.NoError(t, host.OpenView(testCtx(t), view))
	port := opener.Ports()[0]

	port.EmitRaw(activity.Envelope{Type: "Bogus"})

	require.Eventually(t, func() bool {
		for _, m := range port.Sent() {
			if _, ok := m.(activity.ErrorMessage); ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestViewCancelAndResult(t *testing.T) {
	opener := activitytest.NewOpener()
	host := activity.NewHost(opener, nil)

	view := activity.NewView(activity.Request{URL: "https://news.example/x"})
	canceled := make(chan struct{})
	view.OnCancel(func() { close(canceled) })
	require.NoError(t, host.OpenView(testCtx(t), view))

	opener.Ports()[0].Cancel()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel callback not run")
	}
	_, err := view.AcceptResult(testCtx(t))
	assert.True(t, paygateerrors.IsAbort(err))

	view2 := activity.NewView(activity.Request{URL: "https://news.example/y"})
	require.NoError(t, host.OpenView(testCtx(t), view2))
	opener.Ports()[1].Complete(map[string]bool{"subscribe": true})
	res, err := view2.AcceptResult(testCtx(t))
	require.NoError(t, err)
	var data struct{ Subscribe bool }
	require.NoError(t, res.Decode(&data))
	assert.True(t, data.Subscribe)

	require.NoError(t, view2.Execute(testCtx(t), activity.EntitlementsResponse{JWT: "j"}))
	assert.Equal(t, []activity.Message{activity.EntitlementsResponse{JWT: "j"}}, opener.Ports()[1].Sent())
}

func TestOpenFailureRejectsView(t *testing.T) {
	opener := activitytest.NewOpener()
	opener.FailOpen = errors.New("blocked")
	host := activity.NewHost(opener, nil)
	view := activity.NewView(activity.Request{URL: "https://news.example/x"})

	require.Error(t, host.OpenView(testCtx(t), view))
	_, err := view.AcceptResult(testCtx(t))
	require.Error(t, err)

	require.True(t, paygateerrors.IsContract(activity.NewHost(nil, nil).OpenView(testCtx(t), activity.NewView(activity.Request{}))))
}

func TestFrontendURL(t *testing.T) {
	got := activity.FrontendURL("https://news.example/", "/offersiframe", map[string]string{"hl": "fr"})
	if got != "https://news.example/swg/ui/v1/offersiframe?hl=fr" {
		t.Fatalf("FrontendURL() = %q", got)
	}
	assert.Equal(t, "https://x/?a=1", activity.AddQueryParams("https://x/?a=1", map[string]string{"a": "2"}, false))
	assert.Equal(t, "https://x/?a=2", activity.AddQueryParams("https://x/?a=1", map[string]string{"a": "2"}, true))
}
