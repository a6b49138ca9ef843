package experiments

// Known experiment ids.
const (
	FlagReplaceSubscription       = "replace-subscription"
	FlagContributions             = "contributions"
	FlagPropensity                = "propensity"
	FlagSmartbox                  = "smartbox"
	FlagHejira                    = "hejira"
	FlagLoggingBeacon             = "logging-beacon"
	FlagUpdateGoogleTransactionID = "update-google-transaction-id"
	FlagPayClientRedirect         = "pay-client-redirect"
	FlagLoggingAudienceActivity   = "logging-audience-activity"
)
