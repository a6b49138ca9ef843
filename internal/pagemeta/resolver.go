package pagemeta

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	perrors "github.com/rcourtman/paygate/internal/errors"
)

const (
	metaProductID         = "subscriptions-product-id"
	metaAccessibleForFree = "subscriptions-accessible-for-free"
)

var allowedTypes = []string{
	"CreativeWork",
	"Article",
	"NewsArticle",
	"Blog",
	"Comment",
	"Course",
	"HowTo",
	"Message",
	"Review",
	"WebPage",
}

var (
	reAllowedTypes  = regexp.MustCompile(`(CreativeWork|Article|NewsArticle|Blog|Comment|Course|HowTo|Message|Review|WebPage)`)
	reSchemaOrgType = regexp.MustCompile(`(?i)^https?://schema\.org/`)
)

// Resolve discovers the page config using meta tags, then JSON-LD, then
// microdata. It returns ErrNoPageConfig when none of them declare one.
func Resolve(d *Document) (*PageConfig, error) {
	if c := d.metaConfig(); c != nil {
		return c, nil
	}
	if c := d.jsonLDConfig(); c != nil {
		return c, nil
	}
	if c := d.microdataConfig(); c != nil {
		return c, nil
	}
	return nil, perrors.ErrNoPageConfig
}

func (d *Document) metaConfig() *PageConfig {
	productID := d.Meta(metaProductID)
	if productID == "" {
		return nil
	}
	free := d.Meta(metaAccessibleForFree)
	return NewPageConfig(productID, strings.EqualFold(free, "false"))
}

func (d *Document) jsonLDConfig() *PageConfig {
	for _, block := range d.ldJSON {
		if strings.TrimSpace(block) == "" || !reAllowedTypes.MatchString(block) {
			continue
		}
		if c := configFromBlock(block); c != nil {
			return c
		}
	}
	return nil
}

func configFromBlock(block string) *PageConfig {
	configs := entries(block)
	for i := 0; i < len(configs); i++ {
		config := configs[i]
		if graph := field(config, "@graph"); graph.IsArray() {
			configs = append(configs, graph.Array()...)
		}

		if !typeMatches(field(config, "@type"), allowedTypes) {
			continue
		}

		productID := ""
		for _, partOf := range valueArray(config.Get("isPartOf")) {
			if productID = discoverProductID(partOf); productID != "" {
				break
			}
		}
		if productID == "" {
			continue
		}

		free := boolValue(singleValue(config.Get("isAccessibleForFree")), true)
		return NewPageConfig(productID, !free)
	}
	return nil
}

func discoverProductID(partOf gjson.Result) string {
	if !typeMatches(field(partOf, "@type"), []string{"Product"}) {
		return ""
	}
	v := singleValue(partOf.Get("productID"))
	if !v.Exists() {
		return ""
	}
	return v.String()
}

// field looks up a key verbatim. JSON-LD keywords start with '@', which gjson
// paths reserve for modifiers.
func field(obj gjson.Result, key string) gjson.Result {
	var out gjson.Result
	if !obj.IsObject() {
		return out
	}
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.Str == key {
			out = v
			return false
		}
		return true
	})
	return out
}

func valueArray(v gjson.Result) []gjson.Result {
	if !v.Exists() || v.Type == gjson.Null || (v.Type == gjson.String && v.Str == "") {
		return nil
	}
	if v.IsArray() {
		return v.Array()
	}
	return []gjson.Result{v}
}

func singleValue(v gjson.Result) gjson.Result {
	values := valueArray(v)
	if len(values) == 0 {
		return gjson.Result{}
	}
	first := values[0]
	if first.Type == gjson.Null || (first.Type == gjson.String && first.Str == "") {
		return gjson.Result{}
	}
	return first
}

func boolValue(v gjson.Result, fallback bool) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		switch strings.ToLower(v.Str) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return fallback
}

// typeMatches accepts a string, a space separated list or an array of types,
// with or without the schema.org prefix.
func typeMatches(v gjson.Result, expected []string) bool {
	var candidates []string
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			candidates = append(candidates, item.String())
		}
	case v.Type == gjson.String:
		candidates = strings.Fields(v.Str)
	default:
		return false
	}
	return anyTypeIn(candidates, expected)
}

func anyTypeIn(candidates, expected []string) bool {
	for _, c := range candidates {
		c = reSchemaOrgType.ReplaceAllString(c, "")
		for _, e := range expected {
			if c == e {
				return true
			}
		}
	}
	return false
}

func (d *Document) microdataConfig() *PageConfig {
	var (
		access    *bool
		productID string
	)

	for _, root := range d.scopes {
		if !anyTypeIn(strings.Fields(attr(root, "itemtype")), allowedTypes) {
			continue
		}
		if access == nil {
			access = discoverAccess(root)
		}
		if productID == "" {
			productID = discoverMicrodataProductID(root)
		}
		if access != nil && productID != "" {
			break
		}
	}

	if productID == "" {
		return nil
	}
	locked := false
	if access != nil {
		locked = !*access
	}
	return NewPageConfig(productID, locked)
}

func discoverAccess(root *html.Node) *bool {
	for _, n := range descendantsWithProp(root, "isAccessibleForFree") {
		content := itemContent(n)
		if content == "" {
			continue
		}
		if !validItem(n) {
			continue
		}
		var free bool
		switch strings.ToLower(content) {
		case "true":
			free = true
		case "false":
			free = false
		default:
			return nil
		}
		return &free
	}
	return nil
}

func discoverMicrodataProductID(root *html.Node) string {
	for _, n := range descendantsWithProp(root, "productID") {
		item := closestScope(n)
		if item == nil {
			continue
		}
		if !strings.Contains(attr(item, "itemtype"), "http://schema.org/Product") {
			continue
		}
		if validItem(item.Parent) {
			return itemContent(n)
		}
	}
	return ""
}

// validItem reports whether the nearest item scope at or above n is one of
// the allowed creative work types.
func validItem(n *html.Node) bool {
	scope := closestScope(n)
	if scope == nil {
		return false
	}
	return anyTypeIn(strings.Fields(attr(scope, "itemtype")), allowedTypes)
}

func itemContent(n *html.Node) string {
	if c := attr(n, "content"); c != "" {
		return c
	}
	return strings.TrimSpace(textContent(n))
}
