package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/config"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
)

// LinkResult is what the account linking surfaces report.
type LinkResult struct {
	SaveAndRefresh bool   `json:"saveAndRefresh,omitempty"`
	Linked         bool   `json:"linked,omitempty"`
	Success        bool   `json:"success,omitempty"`
	Index          string `json:"index,omitempty"`
	SwgUserToken   string `json:"swgUserToken,omitempty"`
}

// LinkbackFlow sends the reader to link their publisher account. The
// linking surface's result continues in a LinkCompleteFlow.
type LinkbackFlow struct {
	*lifecycle
	d *Deps

	next *async.Promise[*LinkCompleteFlow]
}

func NewLinkbackFlow(d *Deps) *LinkbackFlow {
	return &LinkbackFlow{
		lifecycle: newLifecycle(FlowLinkAccount),
		d:         d,
		next:      async.NewPromise[*LinkCompleteFlow](),
	}
}

// Next resolves with the completion flow once linking succeeds.
func (f *LinkbackFlow) Next() *async.Promise[*LinkCompleteFlow] {
	return f.next
}

// Start opens the linking surface. ampReaderID is optional.
func (f *LinkbackFlow) Start(ctx context.Context, ampReaderID string) error {
	d := f.d
	d.Callbacks.TriggerFlowStarted(FlowLinkAccount, nil)

	target := "_blank"
	if d.WindowOpenMode == config.WindowOpenRedirect {
		target = "_top"
	}
	args := map[string]any{"publicationId": d.publicationID(), "target": target}
	if ampReaderID != "" {
		args["ampReaderId"] = ampReaderID
	}
	view := activity.NewView(activity.Request{URL: d.url("/linkbackstart", nil), Args: args})
	view.OnCancel(func() {
		d.entitlements().UnblockNextNotification()
		d.logEvent(events.ActionLinkCancel, true, nil)
	})

	err := d.openSurface(ctx, f.lifecycle, view, nil, func(ctx context.Context, res activity.Result) error {
		d.entitlements().BlockNextNotification()
		d.Callbacks.TriggerLinkProgress()

		var result LinkResult
		if err := res.Decode(&result); err != nil {
			d.entitlements().UnblockNextNotification()
			d.logEvent(events.ActionLinkContinue, true, nil)
			f.next.Reject(err)
			return paygateerrors.Protocol("link_account", err)
		}
		d.logEvent(events.ActionLinkContinue, true, nil)
		d.logEvent(events.EventLinkAccountSuccess, false, nil)

		next := NewLinkCompleteFlow(d, result)
		f.next.Resolve(next)
		return next.Start(ctx)
	})
	d.logEvent(events.ImpressionLink, false, nil)
	if err != nil {
		f.next.Reject(err)
	}
	return err
}

// LinkCompleteFlow confirms a linked account, stores the returned user token
// and resets entitlements so the next lookup sees the link.
type LinkCompleteFlow struct {
	*lifecycle
	d      *Deps
	result LinkResult

	complete *async.Promise[struct{}]
}

func NewLinkCompleteFlow(d *Deps, result LinkResult) *LinkCompleteFlow {
	return &LinkCompleteFlow{
		lifecycle: newLifecycle(FlowLinkAccount),
		d:         d,
		result:    result,
		complete:  async.NewPromise[struct{}](),
	}
}

// WhenComplete resolves once the link is recorded.
func (f *LinkCompleteFlow) WhenComplete() *async.Promise[struct{}] {
	return f.complete
}

// Start records a save-and-refresh result directly, otherwise it opens the
// confirmation surface and returns once it is ready.
func (f *LinkCompleteFlow) Start(ctx context.Context) error {
	d := f.d
	if f.result.SaveAndRefresh {
		f.finishLink(f.result, f.result.Linked)
		f.transition(StateCompleted)
		return nil
	}

	index := f.result.Index
	if index == "" {
		index = "0"
	}
	params := map[string]string{}
	if d.Lang != "" {
		params["hl"] = d.Lang
	}
	url := activity.FrontendURL(strings.TrimRight(d.FrontendURL, "/")+"/u/"+index, "/linkconfirmiframe", params)
	view := activity.NewView(activity.Request{
		URL:  url,
		Args: map[string]any{"productId": d.productID(), "publicationId": d.publicationID()},
	})

	d.logEvent(events.EventGoogleUpdated, true, nil)
	d.logEvent(events.ImpressionGoogleUpdated, true, nil)
	return d.openSurface(ctx, f.lifecycle, view, nil, func(_ context.Context, res activity.Result) error {
		if err := secureResult(res); err != nil {
			return err
		}
		var result LinkResult
		if err := res.Decode(&result); err != nil {
			return paygateerrors.Protocol("link_confirm", err)
		}
		f.finishLink(result, result.Success)
		return nil
	})
}

func (f *LinkCompleteFlow) finishLink(result LinkResult, success bool) {
	d := f.d
	d.logEvent(events.ActionGoogleUpdatedClose, true, nil)
	d.storeSet(StorageUserToken, result.SwgUserToken)
	d.Callbacks.TriggerLinkComplete()
	d.Callbacks.ResetLinkProgress()
	ents := d.entitlements()
	ents.SetToastShown(true)
	ents.UnblockNextNotification()
	ents.Reset(success)
	f.complete.Resolve(struct{}{})
}

// SaveSubscriptionRequest is the publisher credential for a saved
// subscription. Exactly one field is set.
type SaveSubscriptionRequest struct {
	Token    string
	AuthCode string
}

// SaveSubscriptionFunc supplies the credential when the surface asks for it.
type SaveSubscriptionFunc func(ctx context.Context) (*SaveSubscriptionRequest, error)

// LinkSaveFlow saves a publisher subscription to the reader's account.
type LinkSaveFlow struct {
	*lifecycle
	d        *Deps
	callback SaveSubscriptionFunc

	request *async.Promise[*SaveSubscriptionRequest]
}

func NewLinkSaveFlow(d *Deps, cb SaveSubscriptionFunc) *LinkSaveFlow {
	return &LinkSaveFlow{
		lifecycle: newLifecycle(FlowLinkAccount),
		d:         d,
		callback:  cb,
		request:   async.NewPromise[*SaveSubscriptionRequest](),
	}
}

// Request resolves with the credential sent to the surface.
func (f *LinkSaveFlow) Request() *async.Promise[*SaveSubscriptionRequest] {
	return f.request
}

// Run opens the save surface and blocks until the subscription is linked
// (true), the reader declines (false) or the flow fails.
func (f *LinkSaveFlow) Run(ctx context.Context) (bool, error) {
	d := f.d
	if d.Host == nil {
		err := paygateerrors.Contract("link_save", "no surface host configured")
		f.finish(StateCompleted, err)
		return false, err
	}
	view := activity.NewView(activity.Request{
		URL:      d.url("/linksaveiframe", nil),
		Args:     map[string]any{"isClosable": true},
		Closable: true,
	})
	bg := context.WithoutCancel(ctx)
	view.OnLinkingInfo(func(m activity.LinkingInfo) {
		if m.Requested {
			go f.sendToken(bg, view)
		}
	})

	f.transition(StateAwaitingSurface)
	if err := d.Host.OpenView(ctx, view); err != nil {
		return f.fail(err)
	}
	f.transition(StateOpen)
	d.logEvent(events.ImpressionSaveSubscrToGoogle, false, nil)

	res, err := view.AcceptResult(ctx)
	if err != nil {
		return f.fail(err)
	}
	if err := secureResult(res); err != nil {
		return f.fail(err)
	}
	var result LinkResult
	if err := res.Decode(&result); err != nil {
		return f.fail(paygateerrors.Protocol("link_save", err))
	}
	_ = view.Close()
	if !result.Linked {
		return f.fail(paygateerrors.ErrAborted)
	}

	d.Callbacks.TriggerFlowStarted(FlowLinkAccount, nil)
	d.logEvent(events.EventSaveSubscriptionSuccess, false, nil)
	next := NewLinkCompleteFlow(d, result)
	if err := next.Start(ctx); err != nil {
		return f.fail(err)
	}
	d.Callbacks.TriggerLinkProgress()
	if _, err := next.WhenComplete().Wait(ctx); err != nil {
		return f.fail(err)
	}
	d.completed(f.lifecycle, nil)
	return true, nil
}

func (f *LinkSaveFlow) fail(err error) (bool, error) {
	if paygateerrors.IsAbort(err) {
		f.d.logEvent(events.ActionSaveSubscrToGoogleCancel, true, nil)
		f.d.cancelled(f.lifecycle, nil)
		return false, nil
	}
	f.finish(StateCompleted, err)
	return false, err
}

func (f *LinkSaveFlow) sendToken(ctx context.Context, view *activity.View) {
	req, err := f.token(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Subscription could not be saved")
		f.request.Reject(err)
		_ = view.Close()
		return
	}
	if err := view.Execute(ctx, activity.LinkSaveToken{Token: req.Token, AuthCode: req.AuthCode}); err != nil {
		log.Debug().Err(err).Msg("Failed to send save token")
	}
	f.request.Resolve(req)
}

func (f *LinkSaveFlow) token(ctx context.Context) (*SaveSubscriptionRequest, error) {
	if f.callback == nil {
		return nil, errors.New("Neither token or authCode is available")
	}
	req, err := f.callback(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case req != nil && req.Token != "" && req.AuthCode != "":
		return nil, errors.New("Both authCode and token are available")
	case req == nil || (req.Token == "" && req.AuthCode == ""):
		return nil, errors.New("Neither token or authCode is available")
	}
	return req, nil
}
