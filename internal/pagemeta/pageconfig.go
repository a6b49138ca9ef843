package pagemeta

import "strings"

// PageConfig identifies the publication and product of the current page.
// It never changes after construction.
type PageConfig struct {
	publicationID string
	productID     string
	label         string
	locked        bool
}

// NewPageConfig splits productOrPublicationID at the first colon. A bare
// publication id has no product.
func NewPageConfig(productOrPublicationID string, locked bool) *PageConfig {
	c := &PageConfig{locked: locked}
	if i := strings.IndexByte(productOrPublicationID, ':'); i != -1 {
		c.productID = productOrPublicationID
		c.publicationID = productOrPublicationID[:i]
		c.label = productOrPublicationID[i+1:]
	} else {
		c.publicationID = productOrPublicationID
	}
	return c
}

func (c *PageConfig) PublicationID() string { return c.publicationID }
func (c *PageConfig) ProductID() string     { return c.productID }
func (c *PageConfig) Label() string         { return c.label }
func (c *PageConfig) Locked() bool          { return c.locked }
