package decompose

import (
	"slices"

	"github.com/mark3labs/bundlr/internal/plan"
)

// Estimator predicts the changed-line count of a unit of work. It must be a
// pure function of its input.
type Estimator interface {
	Estimate(deliverables []plan.Deliverable) int
}

// WeightedEstimator is the default line heuristic:
//
//	Base + sum(PerDeliverable * weight) + PerContract * (introduced + consumed)
//
// where consumed counts only contracts not introduced inside the unit.
type WeightedEstimator struct {
	Base           int `mapstructure:"base" yaml:"base"`
	PerDeliverable int `mapstructure:"per_deliverable" yaml:"per_deliverable"`
	PerContract    int `mapstructure:"per_contract" yaml:"per_contract"`
}

// DefaultEstimator returns the stock weights.
func DefaultEstimator() WeightedEstimator {
	return WeightedEstimator{Base: 40, PerDeliverable: 110, PerContract: 15}
}

func (e WeightedEstimator) Estimate(deliverables []plan.Deliverable) int {
	if len(deliverables) == 0 {
		return 0
	}
	introduced, consumed := contractSets(deliverables)
	total := e.Base
	for _, d := range deliverables {
		total += e.PerDeliverable * d.Weight
	}
	return total + e.PerContract*(len(introduced)+len(consumed))
}

// contractSets returns the sorted contracts introduced by deliverables and
// those consumed from outside them.
func contractSets(deliverables []plan.Deliverable) (introduced, consumed []string) {
	for _, d := range deliverables {
		for _, id := range d.Introduces {
			if !slices.Contains(introduced, id) {
				introduced = append(introduced, id)
			}
		}
	}
	for _, d := range deliverables {
		for _, id := range d.Consumes {
			if !slices.Contains(introduced, id) && !slices.Contains(consumed, id) {
				consumed = append(consumed, id)
			}
		}
	}
	slices.Sort(introduced)
	slices.Sort(consumed)
	return introduced, consumed
}
