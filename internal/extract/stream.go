package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Stream evaluates rules in a single pass over the token stream without
// building a DOM. Unbalanced or truncated markup never fails the scan.
//
// The optional end tags HTML allows (cells, rows, list items, paragraphs)
// are closed the way a browser closes them, and a table row opened directly
// under <table> gets the implied <tbody>, so paths written against the
// parsed document match here too.
type Stream struct{}

// NewStream constructs the tokenizer backed extractor.
func NewStream() *Stream {
	return &Stream{}
}

type openElement struct {
	tag   string
	id    string
	class string
}

type streamRule struct {
	rule Rule
	path Path
	done bool
	// depth is the stack height of the element whose text is being captured, 0 when idle.
	depth int
	text  textLines
}

type scan struct {
	states []*streamRule
	stack  []openElement
	out    map[string]string
}

// Extract implements Extractor.
func (s *Stream) Extract(r io.Reader, rules []Rule) (map[string]string, error) {
	sc := &scan{
		states: make([]*streamRule, 0, len(rules)),
		out:    make(map[string]string, len(rules)),
	}
	for _, rule := range rules {
		path, err := ParsePath(rule.Selector)
		if err != nil {
			return nil, err
		}
		sc.states = append(sc.states, &streamRule{rule: rule, path: path})
	}

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("tokenize html: %w", err)
			}
			// Elements still open at EOF contribute whatever text they collected.
			sc.popTo(0)
			return sc.out, nil
		case html.TextToken:
			text := string(z.Text())
			for _, st := range sc.states {
				if st.capturing() {
					st.text.write(text)
				}
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			sc.start(z.Token(), tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			name, _ := z.TagName()
			if idx := sc.lastOpen(string(name)); idx >= 0 {
				sc.popTo(idx)
			}
		}
		if sc.allDone() {
			return sc.out, nil
		}
	}
}

func (sc *scan) start(tok html.Token, selfClosing bool) {
	tag := tok.Data
	if idx := impliedEnd(tag, sc.stack); idx >= 0 {
		sc.popTo(idx)
	}
	sc.openImpliedParents(tag)

	attrs := make(map[string]string, len(tok.Attr))
	for _, a := range tok.Attr {
		attrs[a.Key] = a.Val
	}
	if blockTags[tag] {
		for _, st := range sc.states {
			if st.capturing() {
				st.text.newline()
			}
		}
	}

	selfClosing = selfClosing || isVoid(tok.DataAtom)
	sc.stack = append(sc.stack, openElement{tag: tag, id: attrs["id"], class: attrs["class"]})
	for _, st := range sc.states {
		if st.done || st.depth > 0 || !matchPath(st.path, sc.stack) {
			continue
		}
		if st.rule.Attr != "" {
			sc.out[st.rule.Field] = strings.TrimSpace(attrs[st.rule.Attr])
			st.done = true
			continue
		}
		if selfClosing {
			sc.out[st.rule.Field] = ""
			st.done = true
			continue
		}
		st.depth = len(sc.stack)
	}
	if selfClosing {
		sc.stack = sc.stack[:len(sc.stack)-1]
	}
}

// openImpliedParents pushes the <tbody> and <tr> a parser would insert for
// rows and cells that appear without them.
func (sc *scan) openImpliedParents(tag string) {
	if tag != "tr" && tag != "td" && tag != "th" {
		return
	}
	if sc.top() == "table" {
		sc.stack = append(sc.stack, openElement{tag: "tbody"})
	}
	if tag != "tr" {
		switch sc.top() {
		case "tbody", "thead", "tfoot":
			sc.stack = append(sc.stack, openElement{tag: "tr"})
		}
	}
}

// popTo closes stack[idx:] and finishes every capture rooted there.
func (sc *scan) popTo(idx int) {
	block := false
	for _, el := range sc.stack[idx:] {
		if blockTags[el.tag] {
			block = true
		}
	}
	sc.stack = sc.stack[:idx]
	for _, st := range sc.states {
		if !st.capturing() {
			continue
		}
		if st.depth > len(sc.stack) {
			sc.out[st.rule.Field] = st.text.String()
			st.done = true
			st.depth = 0
			continue
		}
		if block {
			st.text.newline()
		}
	}
}

func (sc *scan) top() string {
	if len(sc.stack) == 0 {
		return ""
	}
	return sc.stack[len(sc.stack)-1].tag
}

func (sc *scan) lastOpen(tag string) int {
	for i := len(sc.stack) - 1; i >= 0; i-- {
		if sc.stack[i].tag == tag {
			return i
		}
	}
	return -1
}

func (sc *scan) allDone() bool {
	for _, st := range sc.states {
		if !st.done {
			return false
		}
	}
	return true
}

func (st *streamRule) capturing() bool {
	return st.depth > 0 && !st.done
}

var (
	tableScope  = []string{"table", "template", "html"}
	listScope   = []string{"ul", "ol", "table", "td", "th", "template", "html"}
	buttonScope = []string{"button", "table", "td", "th", "caption", "object", "template", "html"}

	// closesP lists the start tags that end an open paragraph.
	closesP = map[string]bool{
		"address": true, "article": true, "aside": true, "blockquote": true, "details": true,
		"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
		"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
		"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true, "main": true,
		"nav": true, "ol": true, "p": true, "pre": true, "section": true, "summary": true,
		"table": true, "ul": true,
	}
)

// impliedEnd returns the index of the open element that a start tag
// implicitly closes, or -1.
func impliedEnd(tag string, stack []openElement) int {
	switch tag {
	case "td", "th":
		return findOpen(stack, []string{"td", "th"}, tableScope)
	case "tr":
		return findOpen(stack, []string{"tr"}, tableScope)
	case "tbody", "thead", "tfoot":
		return findOpen(stack, []string{"tbody", "thead", "tfoot"}, tableScope)
	case "option":
		return findOpen(stack, []string{"option"}, []string{"select", "datalist", "optgroup"})
	}
	switch tag {
	case "li":
		if idx := findOpen(stack, []string{"li"}, listScope); idx >= 0 {
			return idx
		}
	case "dt", "dd":
		if idx := findOpen(stack, []string{"dt", "dd"}, []string{"dl", "table", "template", "html"}); idx >= 0 {
			return idx
		}
	}
	if closesP[tag] {
		return findOpen(stack, []string{"p"}, buttonScope)
	}
	return -1
}

// findOpen walks the stack from the innermost element and returns the first
// target it meets before reaching a scope boundary.
func findOpen(stack []openElement, targets, boundaries []string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		tag := stack[i].tag
		if contains(targets, tag) {
			return i
		}
		if contains(boundaries, tag) {
			return -1
		}
	}
	return -1
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// matchPath reports whether the innermost element of stack matches the last
// step and the remaining steps appear, in order, among its ancestors.
func matchPath(path Path, stack []openElement) bool {
	if len(stack) == 0 || len(path) == 0 {
		return false
	}
	last := stack[len(stack)-1]
	if !path[len(path)-1].Matches(last.tag, last.id, last.class) {
		return false
	}
	step := 0
	for _, el := range stack[:len(stack)-1] {
		if step == len(path)-1 {
			break
		}
		if path[step].Matches(el.tag, el.id, el.class) {
			step++
		}
	}
	return step == len(path)-1
}

func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img, atom.Input,
		atom.Link, atom.Meta, atom.Source, atom.Track, atom.Wbr:
		return true
	default:
		return false
	}
}
