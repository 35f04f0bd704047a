package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Goquery evaluates rules against a parsed document with CSS selectors.
type Goquery struct{}

// NewGoquery constructs the goquery backed extractor.
func NewGoquery() *Goquery {
	return &Goquery{}
}

// Extract implements Extractor.
func (g *Goquery) Extract(r io.Reader, rules []Rule) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	out := make(map[string]string, len(rules))
	for _, rule := range rules {
		if _, err := ParsePath(rule.Selector); err != nil {
			return nil, err
		}
		sel := doc.Find(rule.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		if rule.Attr != "" {
			val, _ := sel.Attr(rule.Attr)
			out[rule.Field] = strings.TrimSpace(val)
			continue
		}
		out[rule.Field] = blockText(sel.Nodes[0])
	}
	return out, nil
}

// blockText gathers the text under root, starting a new line around every
// block element below it.
func blockText(root *html.Node) string {
	var t textLines
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				t.write(c.Data)
			case html.ElementNode:
				block := blockTags[c.Data]
				if block {
					t.newline()
				}
				walk(c)
				if block {
					t.newline()
				}
			}
		}
	}
	walk(root)
	return t.String()
}
