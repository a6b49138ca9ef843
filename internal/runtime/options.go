package runtime

import (
	"github.com/rcourtman/paygate/internal/config"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// ClientOptions are the publisher's runtime options. Nil pointers and empty
// values leave the current setting untouched when merged.
type ClientOptions struct {
	WindowOpenMode config.WindowOpenMode
	AnalyticsMode  config.AnalyticsMode
	// Experiments are switched on for this page view.
	Experiments []string

	EnableSwgAnalytics        *bool
	EnablePropensity          *bool
	SkipAccountCreationScreen *bool
	PublisherProvidedID       *string
	PaySwgVersion             *string
}

// Validate reports every invalid option.
func (o ClientOptions) Validate() paygateerrors.ValidationErrors {
	var errs paygateerrors.ValidationErrors
	switch o.WindowOpenMode {
	case "", config.WindowOpenAuto, config.WindowOpenRedirect:
	default:
		errs.Add("windowOpenMode", "Unknown windowOpenMode: %s", o.WindowOpenMode)
	}
	switch o.AnalyticsMode {
	case "", config.AnalyticsDefault, config.AnalyticsImpressions:
	default:
		errs.Add("analyticsMode", "Unknown analytics mode: %s", o.AnalyticsMode)
	}
	if o.PublisherProvidedID != nil && *o.PublisherProvidedID == "" {
		errs.Add("publisherProvidedId", "publisherProvidedId must be a string, value: %q", "")
	}
	return errs
}

// merge overlays the set fields of next onto o.
func (o ClientOptions) merge(next ClientOptions) ClientOptions {
	if next.WindowOpenMode != "" {
		o.WindowOpenMode = next.WindowOpenMode
	}
	if next.AnalyticsMode != "" {
		o.AnalyticsMode = next.AnalyticsMode
	}
	if len(next.Experiments) > 0 {
		o.Experiments = append(append([]string(nil), o.Experiments...), next.Experiments...)
	}
	if next.EnableSwgAnalytics != nil {
		o.EnableSwgAnalytics = next.EnableSwgAnalytics
	}
	if next.EnablePropensity != nil {
		o.EnablePropensity = next.EnablePropensity
	}
	if next.SkipAccountCreationScreen != nil {
		o.SkipAccountCreationScreen = next.SkipAccountCreationScreen
	}
	if next.PublisherProvidedID != nil {
		o.PublisherProvidedID = next.PublisherProvidedID
	}
	if next.PaySwgVersion != nil {
		o.PaySwgVersion = next.PaySwgVersion
	}
	return o
}

func boolValue(p *bool) bool {
	return p != nil && *p
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
