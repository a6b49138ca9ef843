package events

import "time"

// ShowcaseEvent describes an access outcome reported by the metering
// engine.
type ShowcaseEvent string

const (
	ShowcaseMeterOffered           ShowcaseEvent = "EVENT_SHOWCASE_METER_OFFERED"
	ShowcaseUnlockedBySubscription ShowcaseEvent = "EVENT_SHOWCASE_UNLOCKED_BY_SUBSCRIPTION"
	ShowcaseUnlockedByMeter        ShowcaseEvent = "EVENT_SHOWCASE_UNLOCKED_BY_METER"
	ShowcaseUnlockedFreePage       ShowcaseEvent = "EVENT_SHOWCASE_UNLOCKED_FREE_PAGE"
	ShowcaseNoEntitlementsRegwall  ShowcaseEvent = "EVENT_SHOWCASE_NO_ENTITLEMENTS_REGWALL"
	ShowcaseNoEntitlementsPaywall  ShowcaseEvent = "EVENT_SHOWCASE_NO_ENTITLEMENTS_PAYWALL"
	ShowcaseIneligiblePaywall      ShowcaseEvent = "EVENT_SHOWCASE_INELIGIBLE_PAYWALL"
)

var showcaseEvents = map[ShowcaseEvent][]Type{
	ShowcaseMeterOffered:           {EventHasMeteringEntitlements, EventOfferedMeter},
	ShowcaseUnlockedBySubscription: {EventUnlockedBySubscription},
	ShowcaseUnlockedByMeter:        {EventHasMeteringEntitlements, EventUnlockedByMeter},
	ShowcaseUnlockedFreePage:       {EventUnlockedFreePage},
	ShowcaseNoEntitlementsRegwall:  {EventNoEntitlements, ImpressionRegwall, ImpressionShowcaseRegwall},
	ShowcaseNoEntitlementsPaywall:  {EventNoEntitlements, ImpressionPaywall},
	ShowcaseIneligiblePaywall:      {EventIneligiblePaywall, EventNoEntitlements},
}

// ShowcaseEventTypes returns the analytics events a showcase event maps to.
func ShowcaseEventTypes(e ShowcaseEvent) []Type {
	return append([]Type(nil), showcaseEvents[e]...)
}

// Valid reports whether e is a known showcase event.
func (e ShowcaseEvent) Valid() bool {
	_, ok := showcaseEvents[e]
	return ok
}

// LogShowcaseEvent logs every analytics event mapped from e, tagged with the
// reader's registration state and subscription time if known.
func (m *Manager) LogShowcaseEvent(e ShowcaseEvent, origin Originator, isUserRegistered bool, subscriptionTimestamp *time.Time) {
	for _, t := range showcaseEvents[e] {
		m.logAs(origin, t, false, &Params{
			IsUserRegistered:      Bool(isUserRegistered),
			SubscriptionTimestamp: subscriptionTimestamp,
		})
	}
}

// ShowcaseEntitlement is an access outcome reported by metering code,
// tagged with the reader's registration state.
type ShowcaseEntitlement struct {
	Entitlement           ShowcaseEvent
	IsUserRegistered      bool
	SubscriptionTimestamp *time.Time
}
