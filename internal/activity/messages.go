package activity

import (
	"encoding/json"
	"fmt"

	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// Kind names a message type on the wire.
type Kind string

const (
	KindSkuSelected            Kind = "SkuSelectedResponse"
	KindAlreadySubscribed      Kind = "AlreadySubscribedResponse"
	KindViewSubscriptions      Kind = "ViewSubscriptionsResponse"
	KindEntitlementsResponse   Kind = "EntitlementsResponse"
	KindLinkingInfo            Kind = "LinkingInfoResponse"
	KindSubscribe              Kind = "SubscribeResponse"
	KindAccountCreationRequest Kind = "AccountCreationRequest"
	KindToastCloseRequest      Kind = "ToastCloseRequest"
	KindLinkSaveToken          Kind = "LinkSaveTokenRequest"
	KindError                  Kind = "ErrorResponse"
)

// Message is one of the typed messages exchanged with a surface.
type Message interface {
	Kind() Kind
}

type SkuSelected struct {
	Sku          string `json:"sku"`
	OldSku       string `json:"oldSku,omitempty"`
	OneTime      bool   `json:"oneTime,omitempty"`
	PlayOffer    string `json:"playOffer,omitempty"`
	OldPlayOffer string `json:"oldPlayOffer,omitempty"`
}

type AlreadySubscribed struct {
	SubscriberOrMember bool `json:"subscriberOrMember"`
	LinkRequested      bool `json:"linkRequested"`
}

type ViewSubscriptions struct {
	Native bool `json:"native"`
}

// EntitlementsResponse carries a signed entitlements token. Surfaces send it
// after a purchase; the host sends it to the confirmation surface.
type EntitlementsResponse struct {
	JWT          string `json:"jwt"`
	SwgUserToken string `json:"swgUserToken,omitempty"`
}

type LinkingInfo struct {
	Requested bool `json:"requested"`
}

// Subscribe confirms the reader wants to see the full offers.
type Subscribe struct {
	Subscribe bool `json:"subscribe"`
}

type AccountCreationRequest struct {
	Complete bool `json:"complete"`
}

// LinkSaveToken carries the publisher credential for saving a subscription.
// Exactly one of the fields is set.
type LinkSaveToken struct {
	AuthCode string `json:"authCode,omitempty"`
	Token    string `json:"token,omitempty"`
}

type ToastCloseRequest struct {
	Close bool `json:"close"`
}

// ErrorMessage reports a rejected message back to the surface.
type ErrorMessage struct {
	Reason string `json:"reason"`
}

func (SkuSelected) Kind() Kind            { return KindSkuSelected }
func (AlreadySubscribed) Kind() Kind      { return KindAlreadySubscribed }
func (ViewSubscriptions) Kind() Kind      { return KindViewSubscriptions }
func (EntitlementsResponse) Kind() Kind   { return KindEntitlementsResponse }
func (LinkingInfo) Kind() Kind            { return KindLinkingInfo }
func (Subscribe) Kind() Kind              { return KindSubscribe }
func (AccountCreationRequest) Kind() Kind { return KindAccountCreationRequest }
func (ToastCloseRequest) Kind() Kind      { return KindToastCloseRequest }
func (LinkSaveToken) Kind() Kind          { return KindLinkSaveToken }
func (ErrorMessage) Kind() Kind           { return KindError }

// Decode turns an envelope into its typed message. Unknown types and bodies
// that do not parse are protocol errors.
func Decode(env Envelope) (Message, error) {
	var msg Message
	switch Kind(env.Type) {
	case KindSkuSelected:
		msg = decodeInto[SkuSelected](env.Payload)
	case KindAlreadySubscribed:
		msg = decodeInto[AlreadySubscribed](env.Payload)
	case KindViewSubscriptions:
		msg = decodeInto[ViewSubscriptions](env.Payload)
	case KindEntitlementsResponse:
		msg = decodeInto[EntitlementsResponse](env.Payload)
	case KindLinkingInfo:
		msg = decodeInto[LinkingInfo](env.Payload)
	case KindSubscribe:
		msg = decodeInto[Subscribe](env.Payload)
	case KindAccountCreationRequest:
		msg = decodeInto[AccountCreationRequest](env.Payload)
	case KindToastCloseRequest:
		msg = decodeInto[ToastCloseRequest](env.Payload)
	case KindLinkSaveToken:
		msg = decodeInto[LinkSaveToken](env.Payload)
	case KindError:
		msg = decodeInto[ErrorMessage](env.Payload)
	default:
		return nil, paygateerrors.Protocol("decode_message", fmt.Errorf("unknown message type %q", env.Type))
	}
	if d, ok := msg.(decodeFailure); ok {
		return nil, paygateerrors.Protocol("decode_message", fmt.Errorf("%s: %w", env.Type, d.err))
	}
	return msg, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) Kind() Kind { return "" }

func decodeInto[T Message](payload json.RawMessage) Message {
	var v T
	if len(payload) == 0 {
		return v
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}

// Encode wraps msg in an envelope.
func Encode(msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{Type: string(msg.Kind()), Payload: payload}, nil
}
