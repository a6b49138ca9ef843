package events

import "fmt"

// PublisherEvent is an event name publishers log through PublisherLogger.
type PublisherEvent string

const (
	PublisherImpressionPaywall        PublisherEvent = "paywall"
	PublisherImpressionAd             PublisherEvent = "ad_shown"
	PublisherImpressionOffers         PublisherEvent = "offers_shown"
	PublisherSubscriptionsLandingPage PublisherEvent = "subscriptions_landing_page"
	PublisherOfferSelected            PublisherEvent = "offer_selected"
	PublisherPaymentFlowStarted       PublisherEvent = "payment_flow_start"
	PublisherPaymentCompleted         PublisherEvent = "payment_complete"
	PublisherCustom                   PublisherEvent = "custom"
)

var publisherEventTypes = map[PublisherEvent]Type{
	PublisherImpressionPaywall:        ImpressionPaywall,
	PublisherImpressionAd:             ImpressionAd,
	PublisherImpressionOffers:         ImpressionOffers,
	PublisherSubscriptionsLandingPage: ActionSubscriptionsLandingPage,
	PublisherOfferSelected:            ActionOfferSelected,
	PublisherPaymentFlowStarted:       ActionPaymentFlowStarted,
	PublisherPaymentCompleted:         ActionPaymentComplete,
	PublisherCustom:                   EventCustom,
}

// PublisherEventFor maps an analytics type back to its publisher name.
func PublisherEventFor(t Type) (PublisherEvent, bool) {
	for name, typ := range publisherEventTypes {
		if typ == t {
			return name, true
		}
	}
	return "", false
}

// SubscriptionState is the publisher's view of the reader's subscription.
type SubscriptionState string

const (
	SubscriptionUnknown        SubscriptionState = "unknown"
	SubscriptionNonSubscriber  SubscriptionState = "non_subscriber"
	SubscriptionSubscriber     SubscriptionState = "subscriber"
	SubscriptionPastSubscriber SubscriptionState = "past_subscriber"
)

// PublisherRecord is one publisher supplied event.
type PublisherRecord struct {
	Name   PublisherEvent
	Active *bool
	Data   map[string]any
}

// PublisherLogger lets publisher code log events into the shared log.
type PublisherLogger struct {
	manager *Manager
	origin  Originator
}

// NewPublisherLogger returns a logger tagging events with origin.
func NewPublisherLogger(m *Manager, origin Originator) *PublisherLogger {
	return &PublisherLogger{manager: m, origin: origin}
}

// SendEvent logs a publisher event.
func (l *PublisherLogger) SendEvent(rec PublisherRecord) error {
	t, ok := publisherEventTypes[rec.Name]
	if !ok {
		return fmt.Errorf("invalid event name %q", rec.Name)
	}
	fromUser := false
	if rec.Active != nil {
		fromUser = *rec.Active
	}
	var params *Params
	if len(rec.Data) > 0 {
		params = &Params{Extra: rec.Data}
	}
	return l.manager.LogEvent(Event{
		Type:             t,
		Originator:       l.origin,
		IsFromUserAction: fromUser,
		Params:           params,
	})
}

// SendSubscriptionState logs the reader's subscription state for the given
// products.
func (l *PublisherLogger) SendSubscriptionState(state SubscriptionState, products []string) error {
	switch state {
	case SubscriptionUnknown, SubscriptionNonSubscriber, SubscriptionSubscriber, SubscriptionPastSubscriber:
	default:
		return fmt.Errorf("invalid subscription state %q", state)
	}
	return l.manager.LogEvent(Event{
		Type:       EventSubscriptionState,
		Originator: l.origin,
		Params: &Params{Extra: map[string]any{
			"state":    string(state),
			"products": append([]string(nil), products...),
		}},
	})
}
