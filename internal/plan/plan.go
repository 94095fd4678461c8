// Package plan derives the approved work plan from the evidence log: change
// surfaces, their deliverables and sub-boundaries, and the contract catalog
// skeleton the decomposer assigns to bundles.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("plan")

const (
	DefaultPriority = 100
	DefaultWeight   = 1
	// DefaultSurface holds deliverables recorded outside any titled section.
	DefaultSurface = "core"
)

// ErrContractConflict is returned when two deliverables introduce the same contract.
var ErrContractConflict = errors.New("contract introduced more than once")

// Deliverable is one requirement the work must satisfy.
type Deliverable struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Surface     string   `json:"surface"`
	SubBoundary string   `json:"subBoundary,omitempty"`
	Priority    int      `json:"priority"`
	Weight      int      `json:"weight"`
	Infra       bool     `json:"infra,omitempty"`
	Demo        bool     `json:"demo,omitempty"`
	Introduces  []string `json:"introduces,omitempty"`
	Consumes    []string `json:"consumes,omitempty"`
}

// Observable reports whether the deliverable has an effect a demo can show.
func (d Deliverable) Observable() bool {
	return d.Demo || !d.Infra
}

// Surface is a major change surface and its deliverables in evidence order.
type Surface struct {
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	Priority     int           `json:"priority"`
	Deliverables []Deliverable `json:"deliverables"`
}

// SubBoundaries returns the distinct sub-boundary names in first-seen order.
// Deliverables without one share the "" boundary.
func (s Surface) SubBoundaries() []string {
	var out []string
	for _, d := range s.Deliverables {
		if !slices.Contains(out, d.SubBoundary) {
			out = append(out, d.SubBoundary)
		}
	}
	return out
}

// Contract is a catalog entry before assignment to bundles.
type Contract struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Terminal    bool     `json:"terminal,omitempty"`
	Refs        []string `json:"evidenceRefs"`
}

// Plan is the input to decomposition.
type Plan struct {
	Title     string     `json:"title"`
	Surfaces  []Surface  `json:"surfaces"`
	Contracts []Contract `json:"contracts"`
	// Context holds every non-deliverable item, in evidence order, for documents.
	Context []evidence.Item `json:"context"`
}

// Contract returns the catalog entry for id.
func (p *Plan) Contract(id string) (Contract, bool) {
	for _, c := range p.Contracts {
		if c.ID == id {
			return c, true
		}
	}
	return Contract{}, false
}

// ContextOf returns the context items of one category.
func (p *Plan) ContextOf(cat evidence.Category) []evidence.Item {
	var out []evidence.Item
	for _, item := range p.Context {
		if item.Category == cat {
			out = append(out, item)
		}
	}
	return out
}

// Deliverables returns every deliverable across surfaces, in plan order.
func (p *Plan) Deliverables() []Deliverable {
	var out []Deliverable
	for _, s := range p.Surfaces {
		out = append(out, s.Deliverables...)
	}
	return out
}

// Trace returns every evidence reference in the plan that store cannot
// resolve. An empty result means the plan is fully traced.
func (p *Plan) Trace(store *evidence.Store) []string {
	var missing []string
	check := func(ref string) {
		if _, ok := store.Get(ref); !ok && !slices.Contains(missing, ref) {
			missing = append(missing, ref)
		}
	}
	for _, d := range p.Deliverables() {
		check(d.ID)
	}
	for _, c := range p.Contracts {
		if len(c.Refs) == 0 {
			missing = append(missing, "contract:"+c.ID)
		}
		for _, ref := range c.Refs {
			check(ref)
		}
	}
	return missing
}

// isDeliverable reports whether item becomes a deliverable: requirements from
// the inputs and answers to the deliverables question.
func isDeliverable(item evidence.Item) bool {
	if item.Category != evidence.CategoryRequirement || item.NotRequired {
		return false
	}
	if !item.IsAnswer() {
		return true
	}
	return item.Resolves == gaps.QuestionID(gaps.DimDeliverables)
}

// Derive builds the plan from store. Contract IDs are upper-cased so
// "ctx-auth" and "CTX-AUTH" name the same capability.
func Derive(store *evidence.Store, title string) (*Plan, error) {
	p := &Plan{Title: title}
	surfaceIdx := make(map[string]int)
	contracts := make(map[string]*Contract)
	introducer := make(map[string]string)
	var conflicts []string

	contract := func(id string) *Contract {
		c, ok := contracts[id]
		if !ok {
			c = &Contract{ID: id}
			contracts[id] = c
		}
		return c
	}

	for item := range store.All() {
		if item.NotRequired {
			continue
		}
		for _, id := range item.FacetValues(evidence.FacetTerminal) {
			c := contract(normalizeContract(id))
			c.Terminal = true
			c.Refs = appendRef(c.Refs, item.ID)
		}
		if !isDeliverable(item) {
			p.Context = append(p.Context, item)
			continue
		}

		d := Deliverable{
			ID:          item.ID,
			Text:        item.Text,
			Surface:     surfaceName(item),
			SubBoundary: item.Section(2),
			Priority:    intFacet(item, evidence.FacetPriority, DefaultPriority),
			Weight:      intFacet(item, evidence.FacetWeight, DefaultWeight),
			Infra:       item.HasFacet(evidence.FacetInfra),
			Demo:        item.HasFacet(evidence.FacetDemo),
		}
		for _, id := range item.FacetValues(evidence.FacetIntroduces) {
			id = normalizeContract(id)
			if prev, ok := introducer[id]; ok && prev != item.ID {
				conflicts = append(conflicts, fmt.Sprintf("%s introduced by %s and %s", id, prev, item.ID))
				continue
			}
			introducer[id] = item.ID
			c := contract(id)
			c.Description = item.Text
			c.Refs = appendRef(c.Refs, item.ID)
			d.Introduces = append(d.Introduces, id)
		}
		for _, id := range item.FacetValues(evidence.FacetConsumes) {
			id = normalizeContract(id)
			c := contract(id)
			c.Refs = appendRef(c.Refs, item.ID)
			d.Consumes = append(d.Consumes, id)
		}

		idx, ok := surfaceIdx[d.Surface]
		if !ok {
			idx = len(p.Surfaces)
			surfaceIdx[d.Surface] = idx
			p.Surfaces = append(p.Surfaces, Surface{Name: d.Surface, Slug: slug.Make(d.Surface), Priority: d.Priority})
		}
		s := &p.Surfaces[idx]
		s.Deliverables = append(s.Deliverables, d)
		s.Priority = min(s.Priority, d.Priority)
	}

	if len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrContractConflict, strings.Join(conflicts, "; "))
	}

	ids := make([]string, 0, len(contracts))
	for id := range contracts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.Contracts = append(p.Contracts, *contracts[id])
	}

	log.Info("Derived plan: %d surfaces, %d deliverables, %d contracts",
		len(p.Surfaces), len(p.Deliverables()), len(p.Contracts))
	return p, nil
}

func surfaceName(item evidence.Item) string {
	if s := strings.TrimSpace(item.Section(1)); s != "" {
		return s
	}
	return DefaultSurface
}

func normalizeContract(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func intFacet(item evidence.Item, prefix string, def int) int {
	for _, v := range item.FacetValues(prefix) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			log.Warn("Ignoring malformed %s%s on %s", prefix, v, item.ID)
			continue
		}
		return n
	}
	return def
}

func appendRef(refs []string, id string) []string {
	if slices.Contains(refs, id) {
		return refs
	}
	return append(refs, id)
}
