// Package validate checks a candidate series against every structural rule
// before anything is written. It reports all violations in one pass.
package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("validate")

// Kind names a violated rule.
type Kind string

const (
	BudgetExceeded       Kind = "BudgetExceeded"
	CrossBundleReference Kind = "CrossBundleReference"
	MissingPurposeDemo   Kind = "MissingPurposeDemo"
	DanglingContract     Kind = "DanglingContract"
	OpenQuestionPresent  Kind = "OpenQuestionPresent"
	DuplicateSlug        Kind = "DuplicateSlug"
)

// Violation is one failed check. Slug is set for bundle-scoped kinds, Target
// for CrossBundleReference and Contract for DanglingContract. File names the
// rendered document a CrossBundleReference was found in.
type Violation struct {
	Kind     Kind   `json:"kind"`
	Slug     string `json:"slug,omitempty"`
	Target   string `json:"target,omitempty"`
	Contract string `json:"contract,omitempty"`
	File     string `json:"file,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Document is one rendered file of the bundle Slug.
type Document struct {
	Slug string
	Path string
	Text string
}

func (v Violation) String() string {
	switch v.Kind {
	case CrossBundleReference:
		return fmt.Sprintf("%s(%s, %s)", v.Kind, v.Slug, v.Target)
	case DanglingContract:
		return fmt.Sprintf("%s(%s)", v.Kind, v.Contract)
	default:
		return fmt.Sprintf("%s(%s)", v.Kind, v.Slug)
	}
}

// Strings renders violations for halt details.
func Strings(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// Validator holds the budget bundles are checked against.
type Validator struct {
	Budget int
}

// New returns a validator. A non-positive budget selects decompose.DefaultBudget.
func New(budget int) *Validator {
	if budget <= 0 {
		budget = decompose.DefaultBudget
	}
	return &Validator{Budget: budget}
}

// Validate runs every check over s and returns all violations, ordered by
// check and then by sequence position.
func (v *Validator) Validate(s decompose.Series) []Violation {
	var out []Violation
	out = append(out, duplicateSlugs(s)...)
	out = append(out, v.budgets(s)...)
	out = append(out, purposeDemos(s)...)
	out = append(out, openQuestions(s)...)
	out = append(out, crossReferences(s)...)
	out = append(out, danglingContracts(s)...)
	if len(out) > 0 {
		log.Info("Validation found %d violations: %s", len(out), strings.Join(Strings(out), ", "))
	} else {
		log.Info("Validation passed for %d bundles", len(s.Bundles))
	}
	return out
}

func duplicateSlugs(s decompose.Series) []Violation {
	var out []Violation
	count := make(map[string]int)
	for _, b := range s.Bundles {
		count[b.Slug]++
	}
	reported := make(map[string]bool)
	for _, b := range s.Bundles {
		if count[b.Slug] > 1 && !reported[b.Slug] {
			reported[b.Slug] = true
			out = append(out, Violation{Kind: DuplicateSlug, Slug: b.Slug, Detail: fmt.Sprintf("%d bundles", count[b.Slug])})
		}
	}
	return out
}

func (v *Validator) budgets(s decompose.Series) []Violation {
	var out []Violation
	for _, b := range s.Bundles {
		if b.LinesEstimate > v.Budget {
			out = append(out, Violation{Kind: BudgetExceeded, Slug: b.Slug,
				Detail: fmt.Sprintf("%d > %d lines", b.LinesEstimate, v.Budget)})
		}
	}
	return out
}

func purposeDemos(s decompose.Series) []Violation {
	var out []Violation
	for _, b := range s.Bundles {
		if !b.PurposeDemo.Complete() {
			out = append(out, Violation{Kind: MissingPurposeDemo, Slug: b.Slug})
		}
	}
	return out
}

func openQuestions(s decompose.Series) []Violation {
	var out []Violation
	for _, b := range s.Bundles {
		if len(b.OpenQuestions) > 0 {
			out = append(out, Violation{Kind: OpenQuestionPresent, Slug: b.Slug, Detail: strings.Join(b.OpenQuestions, "; ")})
		}
	}
	return out
}

func crossReferences(s decompose.Series) []Violation {
	var out []Violation
	for _, a := range s.Bundles {
		content := a.Content()
		var targets []string
		for _, b := range s.Bundles {
			if b.Slug == a.Slug || slices.Contains(targets, b.Slug) {
				continue
			}
			if decompose.MentionsSlug(content, b.Slug) {
				targets = append(targets, b.Slug)
				out = append(out, Violation{Kind: CrossBundleReference, Slug: a.Slug, Target: b.Slug})
			}
		}
	}
	return out
}

// Rendered scans every rendered bundle document for other bundles' slugs.
// It reports each pair once, naming the first document the mention was
// found in.
func Rendered(s decompose.Series, docs []Document) []Violation {
	var out []Violation
	for _, a := range s.Bundles {
		var targets []string
		for _, doc := range docs {
			if doc.Slug != a.Slug {
				continue
			}
			for _, b := range s.Bundles {
				if b.Slug == a.Slug || slices.Contains(targets, b.Slug) {
					continue
				}
				if decompose.MentionsSlug(doc.Text, b.Slug) {
					targets = append(targets, b.Slug)
					out = append(out, Violation{Kind: CrossBundleReference, Slug: a.Slug, Target: b.Slug, File: doc.Path})
				}
			}
		}
	}
	if len(out) > 0 {
		log.Info("Rendered documents carry %d cross-bundle references: %s", len(out), strings.Join(Strings(out), ", "))
	}
	return out
}

// danglingContracts flags each contract at most once: consumed without an
// earlier introduction, never introduced, or introduced but never consumed
// and not terminal.
func danglingContracts(s decompose.Series) []Violation {
	flagged := make(map[string]string)
	flag := func(id, detail string) {
		if _, ok := flagged[id]; !ok {
			flagged[id] = detail
		}
	}

	introduced := make(map[string]bool)
	consumed := make(map[string]bool)
	for _, b := range s.Bundles {
		for _, id := range b.Prerequisites {
			consumed[id] = true
			if !introduced[id] {
				flag(id, fmt.Sprintf("%s consumes it before any bundle introduces it", b.Slug))
			}
		}
		for _, id := range b.ContractsIntroduced {
			introduced[id] = true
		}
	}

	terminal := make(map[string]bool)
	for _, c := range s.Catalog {
		terminal[c.ID] = c.Terminal
		if !introduced[c.ID] {
			flag(c.ID, "never introduced")
		}
	}
	for _, b := range s.Bundles {
		for _, id := range b.ContractsIntroduced {
			if !consumed[id] && !terminal[id] {
				flag(id, fmt.Sprintf("introduced by %s but never consumed", b.Slug))
			}
		}
	}

	ids := make([]string, 0, len(flagged))
	for id := range flagged {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Violation, 0, len(ids))
	for _, id := range ids {
		out = append(out, Violation{Kind: DanglingContract, Contract: id, Detail: flagged[id]})
	}
	return out
}

// Feedback translates violations into decomposer feedback. Kinds a
// re-decomposition cannot fix contribute nothing.
func Feedback(vs []Violation, s decompose.Series) decompose.Feedback {
	var fb decompose.Feedback
	for _, v := range vs {
		switch v.Kind {
		case DuplicateSlug:
			fb.DedupeSlugs = true
		case CrossBundleReference:
			if v.File != "" {
				// Found outside the sealable prose: rename the target instead.
				for _, b := range s.BundlesBySlug(v.Target) {
					if !slices.Contains(fb.Qualify, b.Key) {
						fb.Qualify = append(fb.Qualify, b.Key)
					}
				}
				continue
			}
			for _, b := range s.BundlesBySlug(v.Slug) {
				fb.Seals = append(fb.Seals, decompose.Seal{Bundle: b.Key, Target: v.Target})
			}
		case BudgetExceeded:
			for _, b := range s.BundlesBySlug(v.Slug) {
				for _, infra := range b.MergedInfra {
					fb.AvoidHosts = append(fb.AvoidHosts, decompose.Pairing{Infra: infra, Host: b.Key})
				}
			}
		}
	}
	return fb
}
