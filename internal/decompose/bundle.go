package decompose

import (
	"strings"

	"github.com/mark3labs/bundlr/internal/plan"
)

// PurposeDemo is the minimal observable behaviour proving a bundle's change is real.
type PurposeDemo struct {
	Trigger          string `json:"trigger"`
	ExpectedBehavior string `json:"expectedBehavior"`
	ObservableProof  string `json:"observableProof"`
	ValidationIntent string `json:"validationIntent"`
}

// Complete reports whether all four fields are populated.
func (d PurposeDemo) Complete() bool {
	return strings.TrimSpace(d.Trigger) != "" &&
		strings.TrimSpace(d.ExpectedBehavior) != "" &&
		strings.TrimSpace(d.ObservableProof) != "" &&
		strings.TrimSpace(d.ValidationIntent) != ""
}

// ContractNote is a contract as described inside one bundle.
type ContractNote struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Introduced  bool   `json:"introduced"`
}

// Bundle is one review-sized task specification. It refers to other work only
// through ContractIDs.
type Bundle struct {
	// Key identifies the unit the bundle was cut from; it is stable across
	// retries even when slugs collide.
	Key                 string             `json:"-"`
	Slug                string             `json:"slug"`
	Title               string             `json:"title"`
	Surface             string             `json:"surface"`
	Priority            int                `json:"priority"`
	LinesEstimate       int                `json:"loBudgetLinesEstimate"`
	Prerequisites       []string           `json:"prerequisites"`
	ContractsIntroduced []string           `json:"contractsIntroduced"`
	PurposeDemo         PurposeDemo        `json:"purposeDemo"`
	OpenQuestions       []string           `json:"openQuestions"`
	Deliverables        []plan.Deliverable `json:"deliverables"`
	Contracts           []ContractNote     `json:"contracts"`
	EvidenceRefs        []string           `json:"evidenceRefs"`
	// MergedInfra lists the keys of infrastructure units folded into this one.
	MergedInfra []string `json:"-"`
}

// Content returns the prose the bundle carries, for sealing checks. The title
// names the bundle itself and is left out; the rendered documents, title
// included, are checked separately once this prose is clean.
func (b Bundle) Content() string {
	var parts []string
	for _, d := range b.Deliverables {
		parts = append(parts, d.Text)
	}
	parts = append(parts,
		b.PurposeDemo.Trigger,
		b.PurposeDemo.ExpectedBehavior,
		b.PurposeDemo.ObservableProof,
		b.PurposeDemo.ValidationIntent,
	)
	for _, c := range b.Contracts {
		parts = append(parts, c.Description)
	}
	parts = append(parts, b.OpenQuestions...)
	return strings.Join(parts, "\n")
}

// ContractID is a catalog entry after assignment. IntroducedBy is written
// only by the decomposer.
type ContractID struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	IntroducedBy string   `json:"introducedBy,omitempty"`
	ConsumedBy   []string `json:"consumedBy"`
	Terminal     bool     `json:"terminal,omitempty"`
}

// Infeasibility names a unit that cannot be brought under budget.
type Infeasibility struct {
	Unit     string `json:"unit"`
	Estimate int    `json:"estimate"`
}

// Series is one candidate decomposition, in sequence order.
type Series struct {
	Title      string          `json:"title"`
	Bundles    []Bundle        `json:"bundles"`
	Catalog    []ContractID    `json:"catalog"`
	Infeasible []Infeasibility `json:"infeasible,omitempty"`
}

// Slugs returns the bundle slugs in sequence order.
func (s Series) Slugs() []string {
	out := make([]string, len(s.Bundles))
	for i, b := range s.Bundles {
		out[i] = b.Slug
	}
	return out
}

// InfeasibleUnits returns the infeasible unit names.
func (s Series) InfeasibleUnits() []string {
	var out []string
	for _, inf := range s.Infeasible {
		out = append(out, inf.Unit)
	}
	return out
}

// BundlesBySlug returns every bundle carrying slug.
func (s Series) BundlesBySlug(slug string) []Bundle {
	var out []Bundle
	for _, b := range s.Bundles {
		if b.Slug == slug {
			out = append(out, b)
		}
	}
	return out
}
