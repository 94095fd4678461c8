// Package evidence holds the append-only record of facts extracted from a
// run's inputs and interview answers. Items are never updated or removed; a
// correction is a new item carrying a contradiction note.
package evidence

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Category classifies what an item asserts.
type Category string

const (
	CategoryGoal         Category = "Goal"
	CategoryCurrentState Category = "CurrentState"
	CategoryTargetState  Category = "TargetState"
	CategoryRequirement  Category = "Requirement"
	CategoryNonGoal      Category = "NonGoal"
	CategoryConstraint   Category = "Constraint"
	CategoryRisk         Category = "Risk"
	CategoryGlossaryTerm Category = "GlossaryTerm"
)

// Categories lists every category in canonical order.
var Categories = []Category{
	CategoryGoal,
	CategoryCurrentState,
	CategoryTargetState,
	CategoryRequirement,
	CategoryNonGoal,
	CategoryConstraint,
	CategoryRisk,
	CategoryGlossaryTerm,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// ParseCategory accepts canonical names and the loose spellings extractors emit
// ("current state", "non-goals", "glossary").
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.TrimSpace(s)))
	switch key {
	case "goal", "goals":
		return CategoryGoal, nil
	case "currentstate":
		return CategoryCurrentState, nil
	case "targetstate", "successcriteria":
		return CategoryTargetState, nil
	case "requirement", "requirements", "deliverables":
		return CategoryRequirement, nil
	case "nongoal", "nongoals":
		return CategoryNonGoal, nil
	case "constraint", "constraints":
		return CategoryConstraint, nil
	case "risk", "risks":
		return CategoryRisk, nil
	case "glossaryterm", "glossary":
		return CategoryGlossaryTerm, nil
	}
	return "", fmt.Errorf("unknown evidence category %q", s)
}

// Strength qualifies a Constraint.
type Strength string

const (
	StrengthHard Strength = "hard"
	StrengthSoft Strength = "soft"
)

// Facets recognised by the planner and gap tracker.
const (
	FacetInterface   = "interface"
	FacetOperational = "operational"
	FacetValidation  = "validation"
	FacetDemo        = "demo"
	FacetInfra       = "infra"
	FacetContract    = "contract"

	FacetIntroduces = "introduces:"
	FacetConsumes   = "consumes:"
	FacetTerminal   = "terminal:"
	FacetPriority   = "priority:"
	FacetWeight     = "weight:"
)

// Item is one immutable piece of evidence.
type Item struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Strength    Strength `json:"strength,omitempty"`
	Text        string   `json:"text"`
	Anchor      string   `json:"anchor"`
	SourceRef   string   `json:"sourceRef"`
	Outline     []string `json:"outline,omitempty"`
	Facets      []string `json:"facets,omitempty"`
	Note        string   `json:"note,omitempty"`
	Resolves    string   `json:"resolves,omitempty"`
	NotRequired bool     `json:"notRequired,omitempty"`
	Round       int      `json:"round,omitempty"`
}

// HasFacet reports whether the item carries facet f exactly.
func (i Item) HasFacet(f string) bool {
	return slices.Contains(i.Facets, f)
}

// FacetValues returns the values of every "prefix<value>" facet, in order.
func (i Item) FacetValues(prefix string) []string {
	var out []string
	for _, f := range i.Facets {
		if v, ok := strings.CutPrefix(f, prefix); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IsAnswer reports whether the item records an interview answer or waiver.
func (i Item) IsAnswer() bool {
	return i.Resolves != ""
}

// Section returns the outline entry at depth, or "" when the outline is shallower.
func (i Item) Section(depth int) string {
	if depth < 0 || depth >= len(i.Outline) {
		return ""
	}
	return i.Outline[depth]
}

func (i Item) sameContent(o Item) bool {
	return i.Category == o.Category &&
		i.Strength == o.Strength &&
		i.Text == o.Text &&
		i.Anchor == o.Anchor &&
		i.SourceRef == o.SourceRef &&
		slices.Equal(i.Outline, o.Outline) &&
		slices.Equal(i.Facets, o.Facets) &&
		i.Note == o.Note &&
		i.Resolves == o.Resolves &&
		i.NotRequired == o.NotRequired
}

var placeholderPattern = regexp.MustCompile(`(?i)^(tbd|tbc|todo|fixme|n/?a|unknown|none yet|\?+|\.{3,}|…|<[^>]*>|\[[^\]]*\]|-+)$`)

// IsPlaceholder reports whether text carries no concrete value.
func IsPlaceholder(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	t = strings.TrimRight(t, ".!")
	if t == "" {
		return true
	}
	return placeholderPattern.MatchString(t)
}
