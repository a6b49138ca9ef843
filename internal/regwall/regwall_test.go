package regwall

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/paygate/internal/callbacks"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/gaa"
	"github.com/rcourtman/paygate/internal/pagemeta"
)

const (
	frameURL    = "https://signin.news.example/gsi?x=1"
	frameOrigin = "https://signin.news.example"
)

var now = time.Unix(1700000000, 0)

const page = `<html><body lang="fr">
<script type="application/ld+json">{"@type":"NewsArticle","publisher":{"name":"The Daily"}}</script>
</body></html>`

type harness struct {
	rw      *Regwall
	surface *fakeSurface
	channel *fakeChannel
	events  *fakeEvents
	logins  []callbacks.LoginRequest
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	doc, err := pagemeta.ParseString(page)
	require.NoError(t, err)
	h := &harness{surface: newFakeSurface(), channel: newFakeChannel(), events: &fakeEvents{}}
	cfg := Config{
		Surface: h.surface,
		Channel: h.channel,
		Events:  h.events,
		Page:    doc,
		Now:     func() time.Time { return now },
		RequestLogin: func(r callbacks.LoginRequest) bool {
			h.logins = append(h.logins, r)
			return true
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.rw = New(cfg)
	return h
}

func freshQuery() url.Values {
	return url.Values{
		gaa.ParamAccessType: {"g"},
		gaa.ParamNonce:      {"n"},
		gaa.ParamSignature:  {"s"},
		gaa.ParamTimestamp:  {strconv.FormatInt(now.Add(time.Hour).Unix(), 16)},
	}
}

type showResult struct {
	cred *Credential
	err  error
}

func (h *harness) show(t *testing.T, raw bool) (<-chan showResult, Modal) {
	t.Helper()
	out := make(chan showResult, 1)
	go func() {
		cred, err := h.rw.Show(context.Background(), ShowParams{IframeURL: frameURL, Query: freshQuery(), RawJWT: raw})
		out <- showResult{cred, err}
	}()
	select {
	case m := <-h.surface.onRender:
		return out, m
	case <-time.After(2 * time.Second):
		t.Fatal("regwall not rendered")
		return nil, Modal{}
	}
}

func wait(t *testing.T, ch <-chan showResult) showResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Show did not return")
		return showResult{}
	}
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, claims GoogleIdentity) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func userMsg(token string) map[string]any {
	return map[string]any{
		"stamp":       gaa.PostMessageStamp,
		"command":     gaa.CommandUser,
		"returnedJwt": map[string]string{"credential": token},
	}
}

func TestShowRequiresFreshParams(t *testing.T) {
	h := newHarness(t, nil)
	q := freshQuery()
	q.Set(gaa.ParamAccessType, "na")

	_, err := h.rw.Show(context.Background(), ShowParams{IframeURL: frameURL, Query: q})
	require.Error(t, err)
	assert.True(t, errors.Is(err, paygateerrors.ErrStaleParams))
	assert.Contains(t, err.Error(), StaleParamsMessage)
	assert.Empty(t, h.surface.rendered)
	assert.Empty(t, h.events.showcase)
}

func TestShowResolvesWithDecodedCredential(t *testing.T) {
	h := newHarness(t, nil)
	done, modal := h.show(t, false)

	assert.Equal(t, "The Daily", modal.PublisherName)
	u, err := url.Parse(modal.IframeURL)
	require.NoError(t, err)
	assert.Equal(t, "fr", u.Query().Get("lang"))
	assert.Equal(t, []string{gaa.CommandIntroduction}, h.channel.postedCommands())
	assert.Equal(t, []events.ShowcaseEvent{events.ShowcaseNoEntitlementsRegwall}, h.events.showcase)

	// Foreign and untrusted messages are ignored.
	h.channel.emit(frameOrigin, map[string]any{"hello": "world"})
	h.channel.emit("https://evil.example", userMsg("a.b.c"))
	h.channel.emit(frameOrigin, map[string]any{"stamp": gaa.PostMessageStamp, "command": gaa.CommandGSIButtonClick})

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signIDToken(t, key, GoogleIdentity{Iss: "https://accounts.google.com", Aud: "client", Sub: "123", Email: "r@example.com", Exp: now.Add(time.Hour).Unix()})
	h.channel.emit(frameOrigin, userMsg(token))

	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, token, res.cred.JWT)
	require.NotNil(t, res.cred.Identity)
	assert.Equal(t, "r@example.com", res.cred.Identity.Email)

	assert.Equal(t, 1, h.surface.removedCount())
	assert.Equal(t, 0, h.channel.subscribers())
	assert.Equal(t, []events.Type{events.ActionShowcaseRegwallGSIClick}, h.events.logged())
}

func TestShowRawJWTPassthrough(t *testing.T) {
	h := newHarness(t, nil)
	done, _ := h.show(t, true)
	h.channel.emit(frameOrigin, userMsg("header.payload.sig"))

	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, "header.payload.sig", res.cred.JWT)
	assert.Nil(t, res.cred.Identity)
}

func TestLateMessagesDoNotBlockAfterShowReturns(t *testing.T) {
	h := newHarness(t, nil)
	done, _ := h.show(t, true)
	stale := h.channel.live()
	require.Len(t, stale, 1)

	h.channel.emit(frameOrigin, userMsg("header.payload.sig"))
	res := wait(t, done)
	require.NoError(t, res.err)

	data, err := json.Marshal(userMsg("late.payload.sig"))
	require.NoError(t, err)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < 64; i++ {
			stale[0](frameOrigin, data)
		}
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("late delivery blocked the sender")
	}
}

func TestShowRejectsOnSignInError(t *testing.T) {
	h := newHarness(t, nil)
	done, _ := h.show(t, false)
	h.channel.emit(frameOrigin, map[string]any{"stamp": gaa.PostMessageStamp, "command": gaa.CommandError})

	res := wait(t, done)
	require.ErrorIs(t, res.err, ErrSignIn)
	assert.Equal(t, SignInErrorMessage, res.err.Error())
	assert.Equal(t, 1, h.surface.removedCount())
}

func TestShowReportsUndecodableCredential(t *testing.T) {
	h := newHarness(t, nil)
	done, _ := h.show(t, false)

	h.channel.emit(frameOrigin, userMsg("not-a-jwt"))
	require.Eventually(t, func() bool {
		cmds := h.channel.postedCommands()
		return len(cmds) == 2 && cmds[1] == gaa.CommandError
	}, time.Second, 5*time.Millisecond)

	h.channel.emit(frameOrigin, map[string]any{
		"stamp":   gaa.PostMessageStamp,
		"command": gaa.CommandUser,
		"gaaUser": map[string]string{"email": "legacy@example.com"},
	})
	res := wait(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"email":"legacy@example.com"}`, string(res.cred.GaaUser))
}

func TestShowVerifiesIDToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	h := newHarness(t, func(c *Config) {
		c.Verifier = NewStaticVerifier("https://accounts.google.com", "client", crypto.PublicKey(&key.PublicKey))
	})
	done, _ := h.show(t, false)

	claims := GoogleIdentity{Iss: "https://accounts.google.com", Aud: "client", Sub: "9", Email: "v@example.com", Exp: time.Now().Add(time.Hour).Unix()}
	h.channel.emit(frameOrigin, userMsg(signIDToken(t, other, claims)))
	require.Eventually(t, func() bool { return len(h.channel.postedCommands()) == 2 }, time.Second, 5*time.Millisecond)

	h.channel.emit(frameOrigin, userMsg(signIDToken(t, key, claims)))
	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, "v@example.com", res.cred.Identity.Email)
}

func TestShowRemovesModalOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.rw.Show(ctx, ShowParams{IframeURL: frameURL, Query: freshQuery()})
		done <- err
	}()
	<-h.surface.onRender
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Show did not return")
	}
	assert.Equal(t, 1, h.surface.removedCount())
}

func TestShowNative3PNavigatesAfterClick(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowedOrigins = []string{"https://*.news.example"} })
	require.NoError(t, h.rw.ShowNative3P(context.Background(), "", "https://auth.news.example/login"))
	m := <-h.surface.onRender
	assert.True(t, m.NativeMode)

	click := map[string]any{"stamp": gaa.PostMessageStamp, "command": gaa.Command3PButtonClick}
	h.channel.emit("https://www.news.example", click)
	h.channel.emit("https://www.news.example", click)

	require.Eventually(t, func() bool {
		h.surface.mu.Lock()
		defer h.surface.mu.Unlock()
		return len(h.surface.navigated) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Type{events.ActionShowcaseRegwall3PButtonClick}, h.events.logged())

	h.rw.Remove()
	assert.Equal(t, 0, h.channel.subscribers())
}

func TestPublisherSignInClicked(t *testing.T) {
	h := newHarness(t, nil)
	h.rw.PublisherSignInClicked()
	assert.Equal(t, []events.Type{events.ActionShowcaseRegwallExistingAccount}, h.events.logged())
	assert.Equal(t, []callbacks.LoginRequest{{LinkRequested: false}}, h.logins)
}

func TestDecode(t *testing.T) {
	allowed := []string{frameOrigin}
	stamp := func(cmd string) []byte {
		b, _ := json.Marshal(Envelope{Stamp: gaa.PostMessageStamp, Command: cmd})
		return b
	}

	tests := []struct {
		name    string
		origin  string
		data    []byte
		want    Message
		wantErr error
	}{
		{"introduction", frameOrigin, stamp(gaa.CommandIntroduction), Introduction{}, nil},
		{"error", frameOrigin, stamp(gaa.CommandError), Error{}, nil},
		{"siwg click", frameOrigin, stamp(gaa.CommandSIWGButtonClick), ButtonClick{Button: gaa.CommandSIWGButtonClick}, nil},
		{"no stamp", frameOrigin, []byte(`{"command":"user"}`), nil, ErrForeignMessage},
		{"not json", frameOrigin, []byte(`hello`), nil, ErrForeignMessage},
		{"bad origin", "https://evil.example", stamp(gaa.CommandError), nil, paygateerrors.ErrProtocol},
		{"unknown command", frameOrigin, stamp("dance"), nil, paygateerrors.ErrProtocol},
		{"user without credential", frameOrigin, stamp(gaa.CommandUser), nil, paygateerrors.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.origin, tt.data, allowed)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if got != tt.want {
				t.Fatalf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}

	env := Encode(User{ReturnedJWT: json.RawMessage(`{"credential":"x"}`)})
	assert.Equal(t, gaa.CommandUser, env.Command)
	assert.Equal(t, gaa.PostMessageStamp, env.Stamp)
}
