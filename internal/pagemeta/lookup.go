package pagemeta

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

var (
	ErrNoProductID     = errors.New("Showcase articles must define a publisher ID with either JSON-LD or Microdata.")
	ErrNoPublisherName = errors.New("Showcase articles must define a publisher name with either JSON-LD or Microdata.")
)

// ProductID returns the isPartOf.productID declared by the page. JSON-LD
// wins over microdata.
func (d *Document) ProductID() (string, error) {
	for _, block := range d.ldJSON {
		for _, entry := range entries(block) {
			if id := entry.Get("isPartOf.productID"); truthy(id) {
				return id.String(), nil
			}
		}
	}

	for _, n := range d.itemprops("productID") {
		if !hasAncestor(n, func(a *html.Node) bool { return isScope(a) && attr(a, "itemprop") == "isPartOf" }) {
			continue
		}
		if content := attr(n, "content"); content != "" {
			return content, nil
		}
	}

	return "", ErrNoProductID
}

// PublisherName returns publisher.name, searching JSON-LD breadth-first and
// then microdata.
func (d *Document) PublisherName() (string, error) {
	var queue []gjson.Result
	for _, block := range d.ldJSON {
		if gjson.Valid(block) {
			queue = append(queue, gjson.Parse(block))
		}
	}

	for i := 0; i < len(queue); i++ {
		node := queue[i]
		if node.IsObject() {
			if name := node.Get("publisher.name"); truthy(name) {
				return name.String(), nil
			}
		}
		if node.IsObject() || node.IsArray() {
			node.ForEach(func(_, value gjson.Result) bool {
				queue = append(queue, value)
				return true
			})
		}
	}

	for _, n := range d.itemprops("name") {
		if !hasAncestor(n, func(a *html.Node) bool { return isScope(a) && attr(a, "itemprop") == "publisher" }) {
			continue
		}
		if content := attr(n, "content"); content != "" {
			return content, nil
		}
	}

	return "", ErrNoPublisherName
}

// AccessibleForFree reports whether the page declares itself free. An
// undeclared flag means not free.
func (d *Document) AccessibleForFree() bool {
	for _, block := range d.ldJSON {
		for _, entry := range entries(block) {
			flag := entry.Get("isAccessibleForFree")
			if !truthy(flag) {
				continue
			}
			switch flag.Type {
			case gjson.True:
				return true
			case gjson.String:
				return strings.EqualFold(flag.Str, "true")
			}
		}
	}

	for _, n := range d.itemprops("isAccessibleForFree") {
		if !hasAncestor(n, isScope) {
			continue
		}
		if content := attr(n, "content"); content != "" {
			return strings.EqualFold(content, "true")
		}
	}

	return false
}

func (d *Document) itemprops(prop string) []*html.Node {
	return descendantsWithProp(d.root, prop)
}

// entries returns the top level objects of a JSON-LD block. Blocks that are
// not valid JSON yield nothing.
func entries(block string) []gjson.Result {
	if !gjson.Valid(block) {
		return nil
	}
	parsed := gjson.Parse(block)
	if parsed.IsArray() {
		return parsed.Array()
	}
	return []gjson.Result{parsed}
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	default:
		return false
	}
}

func hasAncestor(n *html.Node, match func(*html.Node) bool) bool {
	for a := n.Parent; a != nil; a = a.Parent {
		if match(a) {
			return true
		}
	}
	return false
}
