package flows

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/config"
	"github.com/rcourtman/paygate/internal/entitlements"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
	"github.com/rcourtman/paygate/internal/experiments"
	"github.com/rcourtman/paygate/internal/jwtutil"
)

// Proration modes for replacing an existing subscription.
var ReplaceSkuProrationModes = map[string]int{
	"IMMEDIATE_WITH_TIME_PRORATION": 1,
}

const defaultProrationMode = "IMMEDIATE_WITH_TIME_PRORATION"

// Payment recurrence values.
const (
	RecurrenceAuto    = 1
	RecurrenceOneTime = 2
)

// PaymentRequest is a publisher's request to buy a SKU.
type PaymentRequest struct {
	SkuID                   string         `json:"skuId"`
	OldSku                  string         `json:"oldSku,omitempty"`
	ReplaceSkuProrationMode string         `json:"replaceSkuProrationMode,omitempty"`
	OneTime                 bool           `json:"oneTime,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

func (r PaymentRequest) asMap() map[string]any {
	m := map[string]any{"skuId": r.SkuID}
	if r.OldSku != "" {
		m["oldSku"] = r.OldSku
	}
	if r.ReplaceSkuProrationMode != "" {
		m["replaceSkuProrationMode"] = r.ReplaceSkuProrationMode
	}
	if r.OneTime {
		m["oneTime"] = true
	}
	if r.Metadata != nil {
		m["metadata"] = r.Metadata
	}
	return m
}

// SwgPaymentRequest is the payment request section owned by this runtime.
type SwgPaymentRequest struct {
	SkuID                   string         `json:"skuId"`
	PublicationID           string         `json:"publicationId,omitempty"`
	OldSku                  string         `json:"oldSku,omitempty"`
	ReplaceSkuProrationMode int            `json:"replaceSkuProrationMode,omitempty"`
	PaymentRecurrence       int            `json:"paymentRecurrence,omitempty"`
	SwgVersion              string         `json:"swgVersion,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

// PayRequest is handed to the payment client.
type PayRequest struct {
	APIVersion            int               `json:"apiVersion"`
	AllowedPaymentMethods []string          `json:"allowedPaymentMethods"`
	Swg                   SwgPaymentRequest `json:"swg"`
	Internal              PayInternal       `json:"i"`
}

type PayInternal struct {
	StartTimeMs int64       `json:"startTimeMs"`
	ProductType ProductType `json:"productType"`
}

// PaymentCancelledError is returned by a payment client when the reader
// cancels. It wraps ErrAborted.
type PaymentCancelledError struct {
	ProductType ProductType
}

func (e *PaymentCancelledError) Error() string {
	return "payment cancelled"
}

func (e *PaymentCancelledError) Unwrap() error {
	return paygateerrors.ErrAborted
}

// PayStartFlow hands a payment request to the payment client.
type PayStartFlow struct {
	*lifecycle
	d           *Deps
	req         PaymentRequest
	productType ProductType
}

func NewPayStartFlow(d *Deps, req PaymentRequest, productType ProductType) *PayStartFlow {
	if productType == "" {
		productType = ProductSubscription
	}
	return &PayStartFlow{lifecycle: newLifecycle(productType.flowName()), d: d, req: req, productType: productType}
}

// Request is the publisher request this flow started with.
func (f *PayStartFlow) Request() PaymentRequest {
	return f.req
}

func (f *PayStartFlow) paymentRequest(swgVersion string) SwgPaymentRequest {
	swg := SwgPaymentRequest{
		SkuID:         f.req.SkuID,
		PublicationID: f.d.publicationID(),
		SwgVersion:    swgVersion,
		Metadata:      f.req.Metadata,
	}
	if f.req.OldSku != "" {
		swg.OldSku = f.req.OldSku
		mode := f.req.ReplaceSkuProrationMode
		if mode == "" {
			mode = defaultProrationMode
		}
		swg.ReplaceSkuProrationMode = ReplaceSkuProrationModes[mode]
	}
	if f.req.OneTime {
		swg.PaymentRecurrence = RecurrenceOneTime
	}
	return swg
}

// Start reports the flow start and hands the request to the payment client.
// The outcome arrives through the client's response handler.
func (f *PayStartFlow) Start(ctx context.Context) error {
	if f.d.Pay == nil {
		err := paygateerrors.Contract("pay_start", "no payment client configured")
		f.finish(StateCompleted, err)
		return err
	}
	cfg := f.d.clientConfig(ctx)
	swg := f.paymentRequest(cfg.PaySwgVersion)

	f.d.Callbacks.TriggerFlowStarted(f.name, f.req.asMap())
	f.d.logEvent(events.ActionPaymentFlowStarted, true, skuParams(swg.SkuID, ""))

	f.d.waitingForPay.Store(true)
	req := PayRequest{
		APIVersion:            1,
		AllowedPaymentMethods: []string{"CARD"},
		Swg:                   swg,
		Internal:              PayInternal{StartTimeMs: time.Now().UnixMilli(), ProductType: f.productType},
	}
	opts := PayOptions{
		ForceRedirect:      f.d.WindowOpenMode == config.WindowOpenRedirect || f.d.isOn(experiments.FlagPayClientRedirect),
		ForceDisableNative: cfg.PaySwgVersion == "2",
	}
	if err := f.d.Pay.Start(ctx, req, opts); err != nil {
		f.finish(StateCompleted, err)
		return fmt.Errorf("start payment: %w", err)
	}
	f.transition(StateCompleted)
	return nil
}

// ConfigurePending routes every payment client response to a completion flow.
func ConfigurePending(d *Deps) {
	if d.Pay == nil {
		return
	}
	d.Pay.OnResponse(func(p *async.Promise[json.RawMessage]) {
		HandlePayResponse(context.Background(), d, p)
	})
}

type completerFunc func(ctx context.Context) error

func (f completerFunc) Complete(ctx context.Context) error { return f(ctx) }

// HandlePayResponse validates a payment outcome, hands it to the publisher's
// payment callback and opens the confirmation surface. The returned promise
// resolves with the completion flow, or rejects when the payment was
// cancelled or failed.
func HandlePayResponse(ctx context.Context, d *Deps, payment *async.Promise[json.RawMessage]) *async.Promise[*PayCompleteFlow] {
	d.entitlements().BlockNextNotification()

	flow := async.NewPromise[*PayCompleteFlow]()
	complete := completerFunc(func(ctx context.Context) error {
		f, err := flow.Wait(ctx)
		if err != nil {
			return err
		}
		return f.Complete(ctx)
	})

	resp := async.NewPromise[*callbacks.PaymentResponse]()
	d.Callbacks.TriggerPaymentResponse(resp)

	go func() {
		r, err := validatePayResponse(ctx, d, payment, complete)
		if err != nil {
			resp.Reject(err)
			flow.Reject(err)
			paymentFailed(d, err)
			return
		}
		resp.Resolve(r)

		sku := skuFromPurchase(r.PurchaseData)
		productType := ProductType(r.ProductType)
		d.logEvent(events.ActionPaymentComplete, true, skuParams(sku, productType.flowName()))
		switch productType {
		case ProductContribution:
			d.logEvent(events.EventContributionPaymentComplete, true, skuParams(sku, FlowContribute))
		case ProductSubscription:
			d.logEvent(events.EventSubscriptionPaymentComplete, true, skuParams(sku, FlowSubscribe))
		}

		f := newPayCompleteFlow(d, r)
		flow.Resolve(f)
		if err := f.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to open payment confirmation")
		}
	}()
	return flow
}

func paymentFailed(d *Deps, err error) {
	if paygateerrors.IsAbort(err) {
		productType := ProductSubscription
		var cancelled *PaymentCancelledError
		if errors.As(err, &cancelled) && cancelled.ProductType != "" {
			productType = cancelled.ProductType
		}
		d.Callbacks.TriggerFlowCanceled(productType.flowName(), nil)
		d.logEvent(events.ActionUserCanceledPayflow, true, nil)
		return
	}
	d.logEvent(events.EventPaymentFailed, false, nil)
	log.Error().Err(err).Msg("Pay failed")
}

// validatePayResponse waits for the payment data and logs how its transaction
// id relates to ours. A redirect loses the stored id, so the payment
// processor's id is adopted.
func validatePayResponse(ctx context.Context, d *Deps, payment *async.Promise[json.RawMessage], c callbacks.Completer) (*callbacks.PaymentResponse, error) {
	wasRedirect := !d.waitingForPay.Swap(false)
	data, err := payment.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var (
		eventType events.Type
		params    *events.Params
	)
	newTxID := ""
	if doc := gjson.ParseBytes(data); doc.IsObject() {
		newTxID = doc.Get("googleTransactionId").String()
	}
	switch {
	case newTxID == "":
		params = &events.Params{HadLogged: events.Bool(!wasRedirect)}
		eventType = events.EventGpayNoTxID
	case wasRedirect:
		if d.Transaction != nil {
			d.Transaction.Set(newTxID)
		}
		eventType = events.EventGpayCannotConfirmTxID
	case newTxID == d.transactionID():
		eventType = events.EventConfirmTxID
	default:
		params = &events.Params{GpayTransactionID: newTxID}
		eventType = events.EventChangedTxID
	}
	d.logEvent(eventType, true, params)

	return ParsePaymentResponse(data, d.productID(), c)
}

// ParsePaymentResponse decodes payment data. The data is either a base64
// string, or an object carrying "swgCallbackData" or a base64
// "integratorClientCallbackData", optionally with the original
// "paymentRequest".
func ParsePaymentResponse(data []byte, product string, c callbacks.Completer) (*callbacks.PaymentResponse, error) {
	doc := gjson.ParseBytes(data)
	var (
		swg     gjson.Result
		encoded string
	)
	r := callbacks.PaymentResponse{ProductType: string(ProductSubscription)}

	switch {
	case doc.Type == gjson.String:
		encoded = doc.String()
	case doc.IsObject():
		if v := doc.Get("swgCallbackData"); v.IsObject() {
			swg = v
		} else if v := doc.Get("integratorClientCallbackData"); v.Exists() {
			encoded = v.String()
		}
		if req := doc.Get("paymentRequest"); req.Exists() {
			r.OldSku = req.Get("swg.oldSku").String()
			r.PaymentRecurrence = int(req.Get("swg.paymentRecurrence").Int())
			if md := req.Get("swg.metadata"); md.IsObject() {
				if err := json.Unmarshal([]byte(md.Raw), &r.RequestMetadata); err != nil {
					return nil, paygateerrors.Protocol("parse_payment", err)
				}
			}
			if pt := req.Get("i.productType").String(); pt != "" {
				r.ProductType = pt
			}
		} else if pt := doc.Get("productType").String(); pt != "" {
			r.ProductType = pt
		}
	}

	if encoded != "" && !swg.Exists() {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, paygateerrors.Protocol("parse_payment", fmt.Errorf("callback data: %w", err))
		}
		if v := gjson.GetBytes(raw, "swgCallbackData"); v.IsObject() {
			swg = v
		}
	}
	if !swg.Exists() {
		return nil, paygateerrors.Protocol("parse_payment", errors.New("unexpected payment response"))
	}

	r.Raw = swg.Raw
	purchase := swg.Get("purchaseData").String()
	r.PurchaseData = callbacks.PurchaseData{
		Raw:       purchase,
		Signature: swg.Get("purchaseDataSignature").String(),
		OrderID:   gjson.Get(purchase, "orderId").String(),
	}
	if tok := swg.Get("idToken").String(); tok != "" {
		var claims struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := jwtutil.DecodeUnverified(tok, &claims); err != nil {
			return nil, paygateerrors.Protocol("parse_payment", fmt.Errorf("id token: %w", err))
		}
		r.UserData = &callbacks.UserData{IDToken: tok, Email: claims.Email, Name: claims.Name}
	}
	if signed := swg.Get("signedEntitlements").String(); signed != "" {
		ents, err := entitlements.ParseShowcaseJWT(signed, product)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid signed entitlements in payment response")
		} else {
			r.Entitlements = ents
		}
	}
	r.SwgUserToken = swg.Get("swgUserToken").String()
	return callbacks.NewPaymentResponse(r, c), nil
}

func skuFromPurchase(p callbacks.PurchaseData) string {
	return gjson.Get(p.Raw, "productId").String()
}

// PayCompleteFlow shows the purchase confirmation and, once the publisher
// has processed the purchase, the account creation acknowledgement.
type PayCompleteFlow struct {
	*lifecycle
	d    *Deps
	resp *callbacks.PaymentResponse
	sku  string

	mu   sync.Mutex
	view *activity.View
	cfg  ClientConfig
}

func newPayCompleteFlow(d *Deps, resp *callbacks.PaymentResponse) *PayCompleteFlow {
	return &PayCompleteFlow{
		lifecycle: newLifecycle(ProductType(resp.ProductType).flowName()),
		d:         d,
		resp:      resp,
		sku:       skuFromPurchase(resp.PurchaseData),
	}
}

// Response is the payment response being confirmed.
func (f *PayCompleteFlow) Response() *callbacks.PaymentResponse {
	return f.resp
}

// Start opens the confirmation surface and returns once it is ready.
func (f *PayCompleteFlow) Start(ctx context.Context) error {
	d, resp := f.d, f.resp
	d.logEvent(events.ImpressionAccountChanged, true, skuParams(f.sku, ""))
	d.entitlements().Reset(true)

	args := map[string]any{
		"publicationId":        d.publicationID(),
		"productType":          resp.ProductType,
		"isSubscriptionUpdate": resp.OldSku != "",
		"isOneTime":            resp.PaymentRecurrence != 0,
	}
	if resp.UserData != nil && resp.Entitlements != nil {
		args["idToken"] = resp.UserData.IDToken
		d.entitlements().PushNext(resp.Entitlements.Raw)
		d.storeSet(StorageUserToken, resp.SwgUserToken)
	} else if resp.UserData != nil {
		args["loginHint"] = resp.UserData.Email
	}

	cfg := d.clientConfig(ctx)
	args["useUpdatedConfirmUi"] = cfg.UseUpdatedOfferFlows
	args["skipAccountCreationScreen"] = cfg.SkipAccountCreationScreen

	view := activity.NewView(activity.Request{URL: d.url("/payconfirmiframe", nil), Args: args})
	view.OnEntitlementsResponse(func(m activity.EntitlementsResponse) {
		if m.JWT != "" {
			d.entitlements().PushNext(m.JWT)
		}
		d.storeSet(StorageUserToken, m.SwgUserToken)
	})

	f.mu.Lock()
	f.view, f.cfg = view, cfg
	f.mu.Unlock()

	if err := d.openSurface(ctx, f.lifecycle, view, nil, nil); err != nil {
		return err
	}
	d.Callbacks.TriggerPayConfirmOpened(view)
	return nil
}

// Complete acknowledges the account once the publisher has processed the
// purchase. Errors from the confirmation surface are ignored.
func (f *PayCompleteFlow) Complete(ctx context.Context) error {
	d := f.d
	d.logEvent(events.ActionAccountCreated, true, skuParams(f.sku, ""))
	d.storeSet(StorageReadTime, strconv.FormatInt(time.Now().UnixMilli(), 10))
	d.entitlements().UnblockNextNotification()

	f.mu.Lock()
	view, cfg := f.view, f.cfg
	f.mu.Unlock()
	if view == nil {
		return paygateerrors.Contract("pay_complete", "confirmation surface was never opened")
	}
	if _, err := view.Opened().Wait(ctx); err != nil {
		return err
	}

	if !cfg.SkipAccountCreationScreen {
		if err := view.Execute(ctx, activity.AccountCreationRequest{Complete: true}); err != nil {
			log.Debug().Err(err).Msg("Failed to request account creation screen")
		}
	}
	if _, err := view.AcceptResult(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !cfg.SkipAccountCreationScreen {
		d.logEvent(events.ActionAccountAcknowledged, true, skuParams(f.sku, ""))
	}
	d.entitlements().SetToastShown(true)
	return nil
}
