// Package callbacks is the publisher-facing lifecycle callback registry.
//
// Every signal has one slot. Setting a callback replaces the previous one.
// Triggering a signal with no callback buffers the value; the next callback
// set for that signal receives it. A buffered value is cleared once it has
// been delivered.
package callbacks

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

type slot[T any] struct {
	name     string
	cb       func(T)
	buffered bool
	value    T
	seq      uint64
}

// Callbacks holds one slot per lifecycle signal. The zero value is not
// usable; construct with New.
type Callbacks struct {
	mu sync.Mutex

	entitlements     slot[*async.Promise[*entitlements.Entitlements]]
	subscribeRequest slot[struct{}]
	paymentResponse  slot[*async.Promise[*PaymentResponse]]
	loginRequest     slot[LoginRequest]
	linkProgress     slot[struct{}]
	linkComplete     slot[struct{}]
	flowStarted      slot[FlowEvent]
	flowCanceled     slot[FlowEvent]
	flowCompleted    slot[FlowEvent]
	payConfirmOpened slot[*activity.View]
	offersFlowReq    slot[struct{}]

	payments sync.WaitGroup
}

// New returns an empty registry.
func New() *Callbacks {
	c := &Callbacks{}
	c.entitlements.name = "entitlements"
	c.subscribeRequest.name = "subscribe_request"
	c.paymentResponse.name = "payment_response"
	c.loginRequest.name = "login_request"
	c.linkProgress.name = "link_progress"
	c.linkComplete.name = "link_complete"
	c.flowStarted.name = "flow_started"
	c.flowCanceled.name = "flow_canceled"
	c.flowCompleted.name = "flow_completed"
	c.payConfirmOpened.name = "pay_confirm_opened"
	c.offersFlowReq.name = "offers_flow_request"
	return c
}

func set[T any](c *Callbacks, s *slot[T], cb func(T)) {
	c.mu.Lock()
	if s.cb != nil {
		log.Warn().Str("callback", s.name).Msg("You have registered multiple callbacks for the same response")
	}
	s.cb = cb
	if !s.buffered || cb == nil {
		c.mu.Unlock()
		return
	}
	v, seq := s.value, s.seq
	c.mu.Unlock()

	execute(c, s, cb, v, seq)
}

func trigger[T any](c *Callbacks, s *slot[T], v T) bool {
	c.mu.Lock()
	s.seq++
	s.value, s.buffered = v, true
	cb, seq := s.cb, s.seq
	c.mu.Unlock()

	if cb == nil {
		return false
	}
	execute(c, s, cb, v, seq)
	return true
}

func execute[T any](c *Callbacks, s *slot[T], cb func(T), v T, seq uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("callback", s.name).Msg("Publisher callback panicked")
		}
		c.mu.Lock()
		if s.seq == seq {
			reset(s)
		}
		c.mu.Unlock()
	}()
	cb(v)
}

func reset[T any](s *slot[T]) {
	var zero T
	s.value, s.buffered = zero, false
}

func has[T any](c *Callbacks, s *slot[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.cb != nil
}

func pending[T any](c *Callbacks, s *slot[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.buffered
}

// SetOnEntitlementsResponse sets the entitlements callback.
func (c *Callbacks) SetOnEntitlementsResponse(cb func(*async.Promise[*entitlements.Entitlements])) {
	set(c, &c.entitlements, cb)
}

// TriggerEntitlementsResponse hands the callback a future resolving to a
// clone of the entitlements p resolves to.
func (c *Callbacks) TriggerEntitlementsResponse(p *async.Promise[*entitlements.Entitlements]) bool {
	cloned := async.NewPromise[*entitlements.Entitlements]()
	go func() {
		ents, err := p.Wait(context.Background())
		if err != nil {
			cloned.Reject(err)
			return
		}
		cloned.Resolve(ents.Clone())
	}()
	return trigger(c, &c.entitlements, cloned)
}

func (c *Callbacks) HasEntitlementsResponsePending() bool {
	return pending(c, &c.entitlements)
}

func (c *Callbacks) SetOnLoginRequest(cb func(LoginRequest)) {
	set(c, &c.loginRequest, cb)
}

func (c *Callbacks) TriggerLoginRequest(req LoginRequest) bool {
	return trigger(c, &c.loginRequest, req)
}

func (c *Callbacks) SetOnLinkProgress(cb func()) {
	set(c, &c.linkProgress, func(struct{}) { cb() })
}

func (c *Callbacks) TriggerLinkProgress() bool {
	return trigger(c, &c.linkProgress, struct{}{})
}

// ResetLinkProgress drops an undelivered link progress signal.
func (c *Callbacks) ResetLinkProgress() {
	c.mu.Lock()
	reset(&c.linkProgress)
	c.mu.Unlock()
}

func (c *Callbacks) SetOnLinkComplete(cb func()) {
	set(c, &c.linkComplete, func(struct{}) { cb() })
}

func (c *Callbacks) TriggerLinkComplete() bool {
	return trigger(c, &c.linkComplete, struct{}{})
}

func (c *Callbacks) HasLinkCompletePending() bool {
	return pending(c, &c.linkComplete)
}

// SetOnPayConfirmOpened sets the callback receiving the payment confirmation
// surface once it opens.
func (c *Callbacks) SetOnPayConfirmOpened(cb func(*activity.View)) {
	set(c, &c.payConfirmOpened, cb)
}

func (c *Callbacks) TriggerPayConfirmOpened(v *activity.View) bool {
	return trigger(c, &c.payConfirmOpened, v)
}

// SetOnSubscribeRequest sets the publisher's native subscribe handler.
func (c *Callbacks) SetOnSubscribeRequest(cb func()) {
	set(c, &c.subscribeRequest, func(struct{}) { cb() })
}

func (c *Callbacks) TriggerSubscribeRequest() bool {
	return trigger(c, &c.subscribeRequest, struct{}{})
}

func (c *Callbacks) HasSubscribeRequestCallback() bool {
	return has(c, &c.subscribeRequest)
}

func (c *Callbacks) SetOnOffersFlowRequest(cb func()) {
	set(c, &c.offersFlowReq, func(struct{}) { cb() })
}

func (c *Callbacks) TriggerOffersFlowRequest() bool {
	return trigger(c, &c.offersFlowReq, struct{}{})
}

func (c *Callbacks) HasOffersFlowRequestCallback() bool {
	return has(c, &c.offersFlowReq)
}

// SetOnSubscribeResponse is deprecated: use SetOnPaymentResponse.
func (c *Callbacks) SetOnSubscribeResponse(cb func(*async.Promise[*PaymentResponse])) {
	log.Warn().Msg("[swg.js:setOnSubscribeResponse]: This method has been deprecated, please switch usages to 'setOnPaymentResponse'")
	set(c, &c.paymentResponse, cb)
}

// SetOnContributionResponse is deprecated: use SetOnPaymentResponse.
func (c *Callbacks) SetOnContributionResponse(cb func(*async.Promise[*PaymentResponse])) {
	log.Warn().Msg("[swg.js:setOnContributionResponse]: This method has been deprecated, please switch usages to 'setOnPaymentResponse'")
	set(c, &c.paymentResponse, cb)
}

func (c *Callbacks) SetOnPaymentResponse(cb func(*async.Promise[*PaymentResponse])) {
	set(c, &c.paymentResponse, cb)
}

// TriggerPaymentResponse delivers the response once p resolves. A cancelled
// payment is not delivered. It reports whether a callback is set now.
func (c *Callbacks) TriggerPaymentResponse(p *async.Promise[*PaymentResponse]) bool {
	c.payments.Add(1)
	go func() {
		defer c.payments.Done()
		res, err := p.Wait(context.Background())
		if err != nil {
			if !paygateerrors.IsAbort(err) {
				log.Debug().Err(err).Msg("Payment response failed")
			}
			return
		}
		trigger(c, &c.paymentResponse, async.Resolved(res.Clone()))
	}()
	return has(c, &c.paymentResponse)
}

// WaitPayments blocks until every triggered payment response has been
// delivered or dropped.
func (c *Callbacks) WaitPayments(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.payments.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Callbacks) HasPaymentResponsePending() bool {
	return pending(c, &c.paymentResponse)
}

func (c *Callbacks) SetOnFlowStarted(cb func(FlowEvent)) {
	set(c, &c.flowStarted, cb)
}

func (c *Callbacks) TriggerFlowStarted(flow string, data map[string]any) bool {
	return trigger(c, &c.flowStarted, newFlowEvent(flow, data))
}

func (c *Callbacks) SetOnFlowCanceled(cb func(FlowEvent)) {
	set(c, &c.flowCanceled, cb)
}

func (c *Callbacks) TriggerFlowCanceled(flow string, data map[string]any) bool {
	return trigger(c, &c.flowCanceled, newFlowEvent(flow, data))
}

// SetOnFlowCompleted sets the callback run when a flow closes normally.
func (c *Callbacks) SetOnFlowCompleted(cb func(FlowEvent)) {
	set(c, &c.flowCompleted, cb)
}

func (c *Callbacks) TriggerFlowCompleted(flow string, data map[string]any) bool {
	return trigger(c, &c.flowCompleted, newFlowEvent(flow, data))
}
