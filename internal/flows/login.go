package flows

import (
	"context"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/callbacks"
)

func loginRequest(linkRequested bool) callbacks.LoginRequest {
	return callbacks.LoginRequest{LinkRequested: linkRequested}
}

// LoginFlow shows the sign-in surface. The prompt asks for consent; the
// notification only tells the reader they were signed in.
type LoginFlow struct {
	*lifecycle
	d       *Deps
	consent bool
}

// NewLoginPromptFlow asks the reader to sign in.
func NewLoginPromptFlow(d *Deps) *LoginFlow {
	return &LoginFlow{lifecycle: newLifecycle(FlowShowLoginPrompt), d: d, consent: true}
}

// NewLoginNotificationFlow tells the reader they were signed in.
func NewLoginNotificationFlow(d *Deps) *LoginFlow {
	return &LoginFlow{lifecycle: newLifecycle(FlowShowLoginNotification), d: d}
}

func (f *LoginFlow) Start(ctx context.Context) error {
	view := activity.NewView(activity.Request{
		URL: f.d.url("/loginiframe", nil),
		Args: map[string]any{
			"publicationId": f.d.publicationID(),
			"productId":     f.d.productID(),
			"userConsent":   f.consent,
		},
	})
	f.d.Callbacks.TriggerFlowStarted(f.name, nil)
	return f.d.openSurface(ctx, f.lifecycle, view, nil, nil)
}
