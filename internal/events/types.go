// Package events is the ordered analytics event log shared by the runtime,
// the decision engine and the flows.
package events

import "strconv"

// Type is an analytics event code.
type Type int

const (
	Unknown                                        Type = 0
	ImpressionPaywall                              Type = 1
	ImpressionAd                                   Type = 2
	ImpressionOffers                               Type = 3
	ImpressionSubscribeButton                      Type = 4
	ImpressionSmartbox                             Type = 5
	ImpressionClickToShowOffers                    Type = 7
	ImpressionClickToShowOffersOrAlreadySubscribed Type = 8
	ImpressionSubscriptionComplete                 Type = 9
	ImpressionAccountChanged                       Type = 10
	ImpressionPageLoad                             Type = 11
	ImpressionLink                                 Type = 12
	ImpressionSaveSubscrToGoogle                   Type = 13
	ImpressionGoogleUpdated                        Type = 14
	ImpressionContributionOffers                   Type = 26
	ImpressionRegwall                              Type = 22
	ImpressionShowcaseRegwall                      Type = 23

	ActionSubscribe                      Type = 1000
	ActionPaymentComplete                Type = 1001
	ActionAccountCreated                 Type = 1002
	ActionAccountAcknowledged            Type = 1003
	ActionSubscriptionsLandingPage       Type = 1004
	ActionPaymentFlowStarted             Type = 1005
	ActionOfferSelected                  Type = 1006
	ActionViewOffers                     Type = 1008
	ActionAlreadySubscribed              Type = 1009
	ActionLinkContinue                   Type = 1011
	ActionLinkCancel                     Type = 1012
	ActionGoogleUpdatedClose             Type = 1013
	ActionUserCanceledPayflow            Type = 1014
	ActionSaveSubscrToGoogleContinue     Type = 1015
	ActionSaveSubscrToGoogleCancel       Type = 1016
	ActionGetEntitlements                Type = 1024
	ActionContributionOfferSelected      Type = 1034
	ActionShowcaseRegwallGSIClick        Type = 1035
	ActionShowcaseRegwallExistingAccount Type = 1036
	ActionShowcaseRegwallSIWGClick       Type = 1060
	ActionShowcaseRegwall3PButtonClick   Type = 1063

	EventPaymentFailed               Type = 2000
	EventCustom                      Type = 3000
	EventConfirmTxID                 Type = 3001
	EventChangedTxID                 Type = 3002
	EventGpayNoTxID                  Type = 3003
	EventGpayCannotConfirmTxID       Type = 3004
	EventGoogleUpdated               Type = 3005
	EventUnlockedBySubscription      Type = 3007
	EventUnlockedByMeter             Type = 3008
	EventNoEntitlements              Type = 3009
	EventHasMeteringEntitlements     Type = 3010
	EventOfferedMeter                Type = 3011
	EventUnlockedFreePage            Type = 3012
	EventIneligiblePaywall           Type = 3013
	EventShowcaseMeteringInit        Type = 3025
	EventLinkAccountSuccess          Type = 3029
	EventSaveSubscriptionSuccess     Type = 3030
	EventRuntimeIsReady              Type = 3032
	EventStartAPI                    Type = 3033
	EventShowOffersAPI               Type = 3034
	EventShowContributionOptionsAPI  Type = 3035
	EventSubscriptionPaymentComplete Type = 3050
	EventContributionPaymentComplete Type = 3051
	EventSubscriptionState           Type = 4000
)

var typeNames = map[Type]string{
	Unknown:                                        "UNKNOWN",
	ImpressionPaywall:                              "IMPRESSION_PAYWALL",
	ImpressionAd:                                   "IMPRESSION_AD",
	ImpressionOffers:                               "IMPRESSION_OFFERS",
	ImpressionSubscribeButton:                      "IMPRESSION_SUBSCRIBE_BUTTON",
	ImpressionSmartbox:                             "IMPRESSION_SMARTBOX",
	ImpressionClickToShowOffers:                    "IMPRESSION_CLICK_TO_SHOW_OFFERS",
	ImpressionClickToShowOffersOrAlreadySubscribed: "IMPRESSION_CLICK_TO_SHOW_OFFERS_OR_ALREADY_SUBSCRIBED",
	ImpressionSubscriptionComplete:                 "IMPRESSION_SUBSCRIPTION_COMPLETE",
	ImpressionAccountChanged:                       "IMPRESSION_ACCOUNT_CHANGED",
	ImpressionPageLoad:                             "IMPRESSION_PAGE_LOAD",
	ImpressionLink:                                 "IMPRESSION_LINK",
	ImpressionSaveSubscrToGoogle:                   "IMPRESSION_SAVE_SUBSCR_TO_GOOGLE",
	ImpressionGoogleUpdated:                        "IMPRESSION_GOOGLE_UPDATED",
	ImpressionContributionOffers:                   "IMPRESSION_CONTRIBUTION_OFFERS",
	ImpressionRegwall:                              "IMPRESSION_REGWALL",
	ImpressionShowcaseRegwall:                      "IMPRESSION_SHOWCASE_REGWALL",
	ActionSubscribe:                                "ACTION_SUBSCRIBE",
	ActionPaymentComplete:                          "ACTION_PAYMENT_COMPLETE",
	ActionAccountCreated:                           "ACTION_ACCOUNT_CREATED",
	ActionAccountAcknowledged:                      "ACTION_ACCOUNT_ACKNOWLEDGED",
	ActionSubscriptionsLandingPage:                 "ACTION_SUBSCRIPTIONS_LANDING_PAGE",
	ActionPaymentFlowStarted:                       "ACTION_PAYMENT_FLOW_STARTED",
	ActionOfferSelected:                            "ACTION_OFFER_SELECTED",
	ActionViewOffers:                               "ACTION_VIEW_OFFERS",
	ActionAlreadySubscribed:                        "ACTION_ALREADY_SUBSCRIBED",
	ActionLinkContinue:                             "ACTION_LINK_CONTINUE",
	ActionLinkCancel:                               "ACTION_LINK_CANCEL",
	ActionGoogleUpdatedClose:                       "ACTION_GOOGLE_UPDATED_CLOSE",
	ActionUserCanceledPayflow:                      "ACTION_USER_CANCELED_PAYFLOW",
	ActionSaveSubscrToGoogleContinue:               "ACTION_SAVE_SUBSCR_TO_GOOGLE_CONTINUE",
	ActionSaveSubscrToGoogleCancel:                 "ACTION_SAVE_SUBSCR_TO_GOOGLE_CANCEL",
	ActionGetEntitlements:                          "ACTION_GET_ENTITLEMENTS",
	ActionContributionOfferSelected:                "ACTION_CONTRIBUTION_OFFER_SELECTED",
	ActionShowcaseRegwallGSIClick:                  "ACTION_SHOWCASE_REGWALL_GSI_CLICK",
	ActionShowcaseRegwallExistingAccount:           "ACTION_SHOWCASE_REGWALL_EXISTING_ACCOUNT_CLICK",
	ActionShowcaseRegwallSIWGClick:                 "ACTION_SHOWCASE_REGWALL_SIWG_CLICK",
	ActionShowcaseRegwall3PButtonClick:             "ACTION_SHOWCASE_REGWALL_3P_BUTTON_CLICK",
	EventPaymentFailed:                             "EVENT_PAYMENT_FAILED",
	EventCustom:                                    "EVENT_CUSTOM",
	EventConfirmTxID:                               "EVENT_CONFIRM_TX_ID",
	EventChangedTxID:                               "EVENT_CHANGED_TX_ID",
	EventGpayNoTxID:                                "EVENT_GPAY_NO_TX_ID",
	EventGpayCannotConfirmTxID:                     "EVENT_GPAY_CANNOT_CONFIRM_TX_ID",
	EventGoogleUpdated:                             "EVENT_GOOGLE_UPDATED",
	EventUnlockedBySubscription:                    "EVENT_UNLOCKED_BY_SUBSCRIPTION",
	EventUnlockedByMeter:                           "EVENT_UNLOCKED_BY_METER",
	EventNoEntitlements:                            "EVENT_NO_ENTITLEMENTS",
	EventHasMeteringEntitlements:                   "EVENT_HAS_METERING_ENTITLEMENTS",
	EventOfferedMeter:                              "EVENT_OFFERED_METER",
	EventUnlockedFreePage:                          "EVENT_UNLOCKED_FREE_PAGE",
	EventIneligiblePaywall:                         "EVENT_INELIGIBLE_PAYWALL",
	EventShowcaseMeteringInit:                      "EVENT_SHOWCASE_METERING_INIT",
	EventLinkAccountSuccess:                        "EVENT_LINK_ACCOUNT_SUCCESS",
	EventSaveSubscriptionSuccess:                   "EVENT_SAVE_SUBSCRIPTION_SUCCESS",
	EventRuntimeIsReady:                            "EVENT_RUNTIME_IS_READY",
	EventStartAPI:                                  "EVENT_START_API",
	EventShowOffersAPI:                             "EVENT_SHOW_OFFERS_API",
	EventShowContributionOptionsAPI:                "EVENT_SHOW_CONTRIBUTION_OPTIONS_API",
	EventSubscriptionPaymentComplete:               "EVENT_SUBSCRIPTION_PAYMENT_COMPLETE",
	EventContributionPaymentComplete:               "EVENT_CONTRIBUTION_PAYMENT_COMPLETE",
	EventSubscriptionState:                         "EVENT_SUBSCRIPTION_STATE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Originator identifies the component that logged an event.
type Originator int

const (
	OriginUnknown    Originator = 0
	OriginSwG        Originator = 1
	OriginAMP        Originator = 2
	OriginPropensity Originator = 3
	OriginSwGServer  Originator = 4
	OriginPublisher  Originator = 5
	OriginShowcase   Originator = 6
)

var originatorNames = map[Originator]string{
	OriginUnknown:    "UNKNOWN_CLIENT",
	OriginSwG:        "SWG_CLIENT",
	OriginAMP:        "AMP_CLIENT",
	OriginPropensity: "PROPENSITY_CLIENT",
	OriginSwGServer:  "SWG_SERVER",
	OriginPublisher:  "PUBLISHER_CLIENT",
	OriginShowcase:   "SHOWCASE_CLIENT",
}

func (o Originator) String() string {
	if name, ok := originatorNames[o]; ok {
		return name
	}
	return "Originator(" + strconv.Itoa(int(o)) + ")"
}

// Valid reports whether o is a known originator.
func (o Originator) Valid() bool {
	_, ok := originatorNames[o]
	return ok
}
