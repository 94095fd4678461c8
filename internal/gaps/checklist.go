// Package gaps compares the evidence log against a fixed completeness
// checklist and derives the Questions and Blockers that stand between the
// run and planning.
package gaps

import (
	"strings"

	"github.com/mark3labs/bundlr/internal/evidence"
)

// Dimension is one entry of the completeness checklist.
type Dimension string

const (
	DimDeliverables      Dimension = "deliverables"
	DimSuccessCriteria   Dimension = "success-criteria"
	DimConstraints       Dimension = "constraints"
	DimInterfaces        Dimension = "interfaces"
	DimOperational       Dimension = "operational-expectations"
	DimValidation        Dimension = "validation-expectations"
	DimContracts         Dimension = "dependency-contracts"
	DimContradictions    Dimension = "contradictions"
	DimDemoFeasibility   Dimension = "purpose-demo-feasibility"
	checklistRefPrefix             = "checklist:"
	maxRefsPerQuestion             = 3
)

// Checklist is the fixed dimension order. Gap output is sorted by it.
var Checklist = []Dimension{
	DimDeliverables,
	DimSuccessCriteria,
	DimConstraints,
	DimInterfaces,
	DimOperational,
	DimValidation,
	DimContracts,
	DimContradictions,
	DimDemoFeasibility,
}

type dimensionSpec struct {
	categories []evidence.Category
	facet      string
	// answerCategory is the category an answer to this dimension is recorded under.
	answerCategory evidence.Category
	prompt         string
	impact         string
}

var specs = map[Dimension]dimensionSpec{
	DimDeliverables: {
		categories:     []evidence.Category{evidence.CategoryRequirement},
		answerCategory: evidence.CategoryRequirement,
		prompt:         "What concrete deliverables must this work produce?",
		impact:         "Without deliverables there is nothing to decompose into bundles.",
	},
	DimSuccessCriteria: {
		categories:     []evidence.Category{evidence.CategoryTargetState},
		answerCategory: evidence.CategoryTargetState,
		prompt:         "How will we know the work succeeded? Describe the target state.",
		impact:         "Bundles cannot state what their purpose demo must prove.",
	},
	DimConstraints: {
		categories:     []evidence.Category{evidence.CategoryConstraint},
		answerCategory: evidence.CategoryConstraint,
		prompt:         "Which hard or soft constraints bound the solution?",
		impact:         "Plans may violate limits nobody wrote down.",
	},
	DimInterfaces: {
		categories:     []evidence.Category{evidence.CategoryRequirement, evidence.CategoryConstraint, evidence.CategoryTargetState},
		facet:          evidence.FacetInterface,
		answerCategory: evidence.CategoryRequirement,
		prompt:         "Which interfaces (APIs, files, protocols, UIs) does the change touch or expose?",
		impact:         "Contract boundaries between bundles cannot be drawn.",
	},
	DimOperational: {
		categories:     []evidence.Category{evidence.CategoryRequirement, evidence.CategoryConstraint, evidence.CategoryTargetState},
		facet:          evidence.FacetOperational,
		answerCategory: evidence.CategoryConstraint,
		prompt:         "What operational expectations apply (deployment, observability, rollback, load)?",
		impact:         "Bundles may ship behaviour that cannot be operated.",
	},
	DimValidation: {
		categories:     []evidence.Category{evidence.CategoryRequirement, evidence.CategoryTargetState},
		facet:          evidence.FacetValidation,
		answerCategory: evidence.CategoryTargetState,
		prompt:         "How must the result be validated (tests, reviews, sign-off)?",
		impact:         "Validation intent in each bundle would be guessed.",
	},
	DimContracts: {
		categories:     []evidence.Category{evidence.CategoryRequirement},
		facet:          evidence.FacetContract,
		answerCategory: evidence.CategoryRequirement,
		prompt:         "Which capabilities must one part of the work provide for another (dependency contracts)?",
		impact:         "Bundle ordering and prerequisites cannot be derived.",
	},
	DimContradictions: {
		prompt: "These facts contradict each other. Which one holds?",
		impact: "Planning on contradictory evidence produces inconsistent bundles.",
	},
	DimDemoFeasibility: {
		categories:     []evidence.Category{evidence.CategoryTargetState, evidence.CategoryRequirement},
		facet:          evidence.FacetDemo,
		answerCategory: evidence.CategoryTargetState,
		prompt:         "What observable behaviour could demonstrate each change is real?",
		impact:         "Bundles would lack a purpose demo and fail validation.",
	},
}

// AnswerShape returns the category and facets an answer to a question on dim
// is recorded with, so the answer itself satisfies the dimension.
func AnswerShape(dim Dimension) (evidence.Category, []string) {
	spec := specs[dim]
	var facets []string
	if spec.facet != "" {
		facets = []string{spec.facet}
	}
	cat := spec.answerCategory
	if cat == "" {
		cat = evidence.CategoryConstraint
	}
	return cat, facets
}

func (s dimensionSpec) related(item evidence.Item) bool {
	for _, c := range s.categories {
		if item.Category == c {
			return true
		}
	}
	return false
}

// satisfies reports whether item concretely fills the dimension.
func (s dimensionSpec) satisfies(dim Dimension, item evidence.Item) bool {
	if item.NotRequired || evidence.IsPlaceholder(item.Text) {
		return false
	}
	if dim == DimContracts {
		return hasContractFacet(item)
	}
	if !s.related(item) {
		return false
	}
	return s.facet == "" || item.HasFacet(s.facet)
}

func hasContractFacet(item evidence.Item) bool {
	for _, f := range item.Facets {
		if f == evidence.FacetContract ||
			strings.HasPrefix(f, evidence.FacetIntroduces) ||
			strings.HasPrefix(f, evidence.FacetConsumes) ||
			strings.HasPrefix(f, evidence.FacetTerminal) {
			return true
		}
	}
	return false
}
