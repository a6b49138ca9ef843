package callbacks

import (
	"context"

	"github.com/rcourtman/paygate/internal/entitlements"
)

// LoginRequest asks the publisher to sign the reader in.
type LoginRequest struct {
	LinkRequested bool
}

// FlowEvent names a flow and the data it started or ended with.
type FlowEvent struct {
	Flow string
	Data map[string]any
}

func newFlowEvent(flow string, data map[string]any) FlowEvent {
	if data == nil {
		data = map[string]any{}
	}
	return FlowEvent{Flow: flow, Data: data}
}

// PurchaseData is the payment processor's record of a purchase.
type PurchaseData struct {
	Raw       string
	Signature string
	OrderID   string
}

// UserData describes the purchasing reader.
type UserData struct {
	IDToken string
	Email   string
	Name    string
}

// Completer finishes a purchase once the publisher has acted on it.
type Completer interface {
	Complete(ctx context.Context) error
}

// PaymentResponse is what the publisher receives after a purchase.
type PaymentResponse struct {
	Raw               string
	PurchaseData      PurchaseData
	UserData          *UserData
	Entitlements      *entitlements.Entitlements
	ProductType       string
	OldSku            string
	PaymentRecurrence int
	RequestMetadata   map[string]any
	// SwgUserToken is the user token returned with the purchase, if any.
	SwgUserToken string

	completer Completer
}

// NewPaymentResponse returns a response whose Complete is handled by c.
func NewPaymentResponse(r PaymentResponse, c Completer) *PaymentResponse {
	r.completer = c
	return &r
}

// Complete tells the runtime the publisher has processed the purchase.
func (r *PaymentResponse) Complete(ctx context.Context) error {
	if r.completer == nil {
		return nil
	}
	return r.completer.Complete(ctx)
}

// Clone returns a copy sharing the completer.
func (r *PaymentResponse) Clone() *PaymentResponse {
	c := *r
	if r.UserData != nil {
		u := *r.UserData
		c.UserData = &u
	}
	if r.Entitlements != nil {
		c.Entitlements = r.Entitlements.Clone()
	}
	return &c
}
