package events

import (
	"time"

	"github.com/google/uuid"

	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// Params are the optional typed details attached to an event.
type Params struct {
	Sku                   string
	SubscriptionFlow      string
	OldTransactionID      string
	GpayTransactionID     string
	HadLogged             *bool
	IsUserRegistered      *bool
	SubscriptionTimestamp *time.Time
	// Extra carries free-form details such as publisher supplied data.
	Extra map[string]any
}

// Event is one analytics record.
type Event struct {
	ID               string
	Type             Type
	Originator       Originator
	IsFromUserAction bool
	Params           *Params
	ConfigurationID  string
	Timestamp        time.Time
}

// IsPublisherEvent reports whether e was logged on the publisher's behalf.
func (e Event) IsPublisherEvent() bool {
	return e.Originator == OriginPropensity || e.Originator == OriginPublisher
}

// Validate checks that e only uses known codes.
func (e Event) Validate() paygateerrors.ValidationErrors {
	var errs paygateerrors.ValidationErrors
	if !e.Type.Valid() {
		errs.Add("eventType", "Event has an invalid eventType(%d)", int(e.Type))
	}
	if !e.Originator.Valid() {
		errs.Add("eventOriginator", "Event has an invalid eventOriginator(%d)", int(e.Originator))
	}
	return errs
}

func newEventID() string {
	return uuid.NewString()
}

// Bool returns a pointer to v for optional Params fields.
func Bool(v bool) *bool { return &v }
