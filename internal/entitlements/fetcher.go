package entitlements

import "context"

// GetParams are the optional inputs to an entitlements lookup.
type GetParams struct {
	Metering *MeteringParams `json:"metering,omitempty"`
	// Encryption carries the encrypted document key, if any.
	EncryptedDocumentKey string `json:"encryption,omitempty"`
	// PublisherProvidedID is the publisher's own id for the reader.
	PublisherProvidedID string `json:"publisherProvidedId,omitempty"`
}

// MeteringParams identify the reader to the metering service.
type MeteringParams struct {
	State MeteringState `json:"state"`
}

// MeteringState is the publisher's view of the reader.
type MeteringState struct {
	ID                 string               `json:"id"`
	StandardAttributes map[string]Attribute `json:"standardAttributes"`
}

// Attribute is a timestamped reader attribute, in epoch seconds.
type Attribute struct {
	Timestamp int64 `json:"timestamp"`
}

// RegisteredUserAttribute is the standard attribute carrying the reader's
// registration time.
const RegisteredUserAttribute = "registered_user"

// Fetcher is the provider side entitlements lookup.
type Fetcher interface {
	Entitlements(ctx context.Context, params GetParams) (*Entitlements, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, params GetParams) (*Entitlements, error)

func (f FetcherFunc) Entitlements(ctx context.Context, params GetParams) (*Entitlements, error) {
	return f(ctx, params)
}
