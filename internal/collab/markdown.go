package collab

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown is the built-in extractor. It reads a document's heading trail:
// every paragraph or list item under a heading that names a category
// ("Requirements", "Non-goals", "Glossary", ...) becomes one item, with the
// headings from that category heading down as its outline. Bracketed markers
// in the text set facets and are stripped:
//
//	[interface] [operational] [validation] [demo] [infra] [contract]
//	[introduces: CTX-ID] [consumes: CTX-ID] [terminal: CTX-ID]
//	[priority: 10] [weight: 2] [hard] [soft] [note: why this replaces E-0003]
//
// Blocks outside any category heading are ignored.
type Markdown struct{}

var markerPattern = regexp.MustCompile(`\[([a-z][a-z-]*)(?::\s*([^\]]*))?\]`)

var bareFacets = map[string]bool{
	evidence.FacetInterface:   true,
	evidence.FacetOperational: true,
	evidence.FacetValidation:  true,
	evidence.FacetDemo:        true,
	evidence.FacetInfra:       true,
	evidence.FacetContract:    true,
}

var valueFacets = map[string]string{
	"introduces": evidence.FacetIntroduces,
	"consumes":   evidence.FacetConsumes,
	"terminal":   evidence.FacetTerminal,
	"priority":   evidence.FacetPriority,
	"weight":     evidence.FacetWeight,
}

type heading struct {
	level int
	title string
}

type mdWalker struct {
	src      Source
	body     []byte
	stack    []heading
	counters map[string]int
	out      Extraction
	skipped  int
}

func (Markdown) Extract(ctx context.Context, src Source) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, err
	}
	if src.Ref == "" {
		return Extraction{}, fmt.Errorf("source has no reference")
	}
	doc := goldmark.New().Parser().Parse(text.NewReader(src.Text))
	w := &mdWalker{src: src, body: src.Text, counters: make(map[string]int)}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		w.block(n)
	}
	log.Debug("Extracted %d items from %s (%d blocks outside category sections)", len(w.out.Items), src.Ref, w.skipped)
	if w.out.Items == nil {
		w.out.Items = []evidence.Item{}
	}
	return w.out, nil
}

func (w *mdWalker) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		title := strings.TrimSpace(w.inline(n))
		for len(w.stack) > 0 && w.stack[len(w.stack)-1].level >= n.Level {
			w.stack = w.stack[:len(w.stack)-1]
		}
		w.stack = append(w.stack, heading{level: n.Level, title: title})
		if w.out.Title == "" && n.Level == 1 {
			if _, err := evidence.ParseCategory(title); err != nil {
				w.out.Title = title
			}
		}
	case *ast.Paragraph, *ast.TextBlock:
		w.emit(w.inline(n))
	case *ast.List:
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			w.listItem(item)
		}
	case *ast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c)
		}
	}
}

// listItem emits the item's own text and then walks any nested list.
func (w *mdWalker) listItem(item ast.Node) {
	var own []string
	var nested []ast.Node
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			own = append(own, w.inline(c))
		case *ast.List:
			nested = append(nested, c)
		}
	}
	w.emit(strings.Join(own, " "))
	for _, l := range nested {
		w.block(l)
	}
}

func (w *mdWalker) inline(n ast.Node) string {
	var sb strings.Builder
	w.collect(n, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func (w *mdWalker) collect(n ast.Node, sb *strings.Builder) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(w.body))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		default:
			w.collect(c, sb)
		}
	}
}

// outline returns the heading trail starting at the shallowest heading that
// names a category.
func (w *mdWalker) outline() (evidence.Category, []string, bool) {
	for i, h := range w.stack {
		cat, err := evidence.ParseCategory(h.title)
		if err != nil {
			continue
		}
		trail := make([]string, 0, len(w.stack)-i)
		for _, hh := range w.stack[i:] {
			trail = append(trail, hh.title)
		}
		return cat, trail, true
	}
	return "", nil, false
}

func (w *mdWalker) emit(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	cat, trail, ok := w.outline()
	if !ok {
		w.skipped++
		return
	}
	item := evidence.Item{Category: cat, SourceRef: w.src.Ref, Outline: trail}
	item.Text = markers(&item, raw)
	if item.Text == "" {
		return
	}
	if cat != evidence.CategoryConstraint {
		item.Strength = ""
	}

	parts := make([]string, len(trail))
	for i, t := range trail {
		parts[i] = slug.Make(t)
	}
	path := strings.Join(parts, "/")
	w.counters[path]++
	item.Anchor = fmt.Sprintf("%s#%s/p%d", w.src.Ref, path, w.counters[path])
	w.out.Items = append(w.out.Items, item)
}

// markers moves recognised bracket markers from raw into item and returns
// the remaining text.
func markers(item *evidence.Item, raw string) string {
	rest := markerPattern.ReplaceAllStringFunc(raw, func(m string) string {
		sub := markerPattern.FindStringSubmatch(m)
		key, value := sub[1], strings.TrimSpace(sub[2])
		switch {
		case bareFacets[key] && value == "":
			item.Facets = appendUnique(item.Facets, key)
		case valueFacets[key] != "" && value != "":
			for _, v := range strings.Split(value, ",") {
				if v = strings.TrimSpace(v); v != "" {
					item.Facets = appendUnique(item.Facets, valueFacets[key]+v)
				}
			}
		case key == "hard" && value == "":
			item.Strength = evidence.StrengthHard
		case key == "soft" && value == "":
			item.Strength = evidence.StrengthSoft
		case key == "note" && value != "":
			item.Note = value
		default:
			return m
		}
		return ""
	})
	return strings.Join(strings.Fields(rest), " ")
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
