package runtime

import (
	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/entitlements"
)

// Callbacks returns the lifecycle callback registry.
func (r *Runtime) Callbacks() *callbacks.Callbacks {
	return r.callbacks
}

func (r *Runtime) SetOnEntitlementsResponse(fn func(*async.Promise[*entitlements.Entitlements])) {
	r.callbacks.SetOnEntitlementsResponse(fn)
}

func (r *Runtime) SetOnLoginRequest(fn func(callbacks.LoginRequest)) {
	r.callbacks.SetOnLoginRequest(fn)
}

func (r *Runtime) SetOnLinkProgress(fn func()) {
	r.callbacks.SetOnLinkProgress(fn)
}

func (r *Runtime) SetOnLinkComplete(fn func()) {
	r.callbacks.SetOnLinkComplete(fn)
}

func (r *Runtime) SetOnPayConfirmOpened(fn func(*activity.View)) {
	r.callbacks.SetOnPayConfirmOpened(fn)
}

// SetOnNativeSubscribeRequest sets the publisher's own subscribe handler,
// used in place of the offers surface.
func (r *Runtime) SetOnNativeSubscribeRequest(fn func()) {
	r.callbacks.SetOnSubscribeRequest(fn)
}

func (r *Runtime) SetOnOffersFlowRequest(fn func()) {
	r.callbacks.SetOnOffersFlowRequest(fn)
}

// SetOnSubscribeResponse is deprecated: use SetOnPaymentResponse.
func (r *Runtime) SetOnSubscribeResponse(fn func(*async.Promise[*callbacks.PaymentResponse])) {
	r.callbacks.SetOnSubscribeResponse(fn)
}

// SetOnContributionResponse is deprecated: use SetOnPaymentResponse.
func (r *Runtime) SetOnContributionResponse(fn func(*async.Promise[*callbacks.PaymentResponse])) {
	r.callbacks.SetOnContributionResponse(fn)
}

func (r *Runtime) SetOnPaymentResponse(fn func(*async.Promise[*callbacks.PaymentResponse])) {
	r.callbacks.SetOnPaymentResponse(fn)
}

func (r *Runtime) SetOnFlowStarted(fn func(callbacks.FlowEvent)) {
	r.callbacks.SetOnFlowStarted(fn)
}

func (r *Runtime) SetOnFlowCanceled(fn func(callbacks.FlowEvent)) {
	r.callbacks.SetOnFlowCanceled(fn)
}

func (r *Runtime) SetOnFlowCompleted(fn func(callbacks.FlowEvent)) {
	r.callbacks.SetOnFlowCompleted(fn)
}
