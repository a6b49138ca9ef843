// Package pagemeta reads publisher structured data (JSON-LD blocks, meta
// tags and microdata attributes) from a host page.
package pagemeta

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a parsed host page. It is read-only after Parse.
type Document struct {
	root    *html.Node
	ldJSON  []string
	metas   map[string]string
	scopes  []*html.Node
	langTag string
}

// Parse reads a host page.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	d := &Document{root: root, metas: make(map[string]string)}
	d.index()
	return d, nil
}

// ParseString is Parse for an in-memory page.
func ParseString(page string) (*Document, error) {
	return Parse(strings.NewReader(page))
}

func (d *Document) index() {
	var htmlLang, bodyLang string
	walk(d.root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.DataAtom {
		case atom.Script:
			if strings.EqualFold(strings.TrimSpace(attr(n, "type")), "application/ld+json") {
				d.ldJSON = append(d.ldJSON, textContent(n))
			}
		case atom.Meta:
			name := attr(n, "name")
			if _, seen := d.metas[name]; name != "" && !seen {
				d.metas[name] = attr(n, "content")
			}
		case atom.Html:
			htmlLang = attr(n, "lang")
		case atom.Body:
			bodyLang = attr(n, "lang")
		}
		if hasAttr(n, "itemscope") && hasAttr(n, "itemtype") {
			d.scopes = append(d.scopes, n)
		}
	})

	d.langTag = bodyLang
	if d.langTag == "" {
		d.langTag = htmlLang
	}
}

// Meta returns the content of the first <meta name=...> element.
func (d *Document) Meta(name string) string {
	return d.metas[name]
}

// Lang returns the language tag of the body, falling back to <html lang>.
func (d *Document) Lang() string {
	return d.langTag
}

// JSONLD returns the raw ld+json blocks in document order.
func (d *Document) JSONLD() []string {
	out := make([]string, len(d.ldJSON))
	copy(out, d.ldJSON)
	return out
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

// isScope reports whether n carries both itemscope and itemtype.
func isScope(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && hasAttr(n, "itemscope") && hasAttr(n, "itemtype")
}

// descendantsWithProp returns elements below root whose itemprop equals prop.
func descendantsWithProp(root *html.Node, prop string) []*html.Node {
	var out []*html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) {
			if n.Type == html.ElementNode && attr(n, "itemprop") == prop {
				out = append(out, n)
			}
		})
	}
	return out
}

// closestScope returns the nearest node, starting at n itself, that is an
// item scope.
func closestScope(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if isScope(n) {
			return n
		}
	}
	return nil
}
