package metering

import (
	"context"
	"sync"

	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/entitlements"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/regwall"
)

type fakeRuntime struct {
	mu            sync.Mutex
	inits         []string
	showcase      []events.ShowcaseEntitlement
	consumed      []string
	lookups       []entitlements.GetParams
	onLogin       func(callbacks.LoginRequest)
	onSubscribe   func()
	ents          *entitlements.Entitlements
	lookupErr     error
	closeOnRedeem bool
}

func (f *fakeRuntime) Init(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, id)
	return nil
}

func (f *fakeRuntime) SetOnLoginRequest(fn func(callbacks.LoginRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLogin = fn
}

func (f *fakeRuntime) SetOnNativeSubscribeRequest(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubscribe = fn
}

func (f *fakeRuntime) SetShowcaseEntitlement(_ context.Context, ent events.ShowcaseEntitlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.showcase = append(f.showcase, ent)
	return nil
}

func (f *fakeRuntime) ConsumeShowcaseEntitlementJWT(_ context.Context, jwt string, onClose func()) error {
	f.mu.Lock()
	f.consumed = append(f.consumed, jwt)
	closeNow := f.closeOnRedeem
	f.mu.Unlock()
	if closeNow && onClose != nil {
		onClose()
	}
	return nil
}

func (f *fakeRuntime) GetEntitlements(_ context.Context, p entitlements.GetParams) (*entitlements.Entitlements, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, p)
	return f.ents, f.lookupErr
}

func (f *fakeRuntime) showcaseEvents() []events.ShowcaseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.ShowcaseEvent, len(f.showcase))
	for i, s := range f.showcase {
		out[i] = s.Entitlement
	}
	return out
}

func (f *fakeRuntime) loginHandler() func(callbacks.LoginRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onLogin
}

type fakeRegwall struct {
	mu      sync.Mutex
	shown   int
	shown3P []string
	removed int
	cred    *regwall.Credential
	err     error
}

func (f *fakeRegwall) ShowNative(context.Context, string, bool) (*regwall.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown++
	return f.cred, f.err
}

func (f *fakeRegwall) ShowNative3P(_ context.Context, _ string, authURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown3P = append(f.shown3P, authURL)
	return nil
}

func (f *fakeRegwall) Remove() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
}

func (f *fakeRegwall) counts() (shown, shown3P, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shown, len(f.shown3P), f.removed
}

type fakeEvents struct {
	mu    sync.Mutex
	types []events.Type
}

func (f *fakeEvents) LogSwgEvent(t events.Type, _ bool, _ *events.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
}
