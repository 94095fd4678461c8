package plan

import (
	"errors"
	"testing"

	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(anchor, text string, outline []string, facets ...string) evidence.Item {
	return evidence.Item{
		Category:  evidence.CategoryRequirement,
		Text:      text,
		Anchor:    anchor,
		SourceRef: "brief.md",
		Outline:   outline,
		Facets:    facets,
	}
}

func mustRecord(t *testing.T, s *evidence.Store, items ...evidence.Item) {
	t.Helper()
	for _, it := range items {
		_, err := s.Record(it)
		require.NoError(t, err)
	}
}

func TestDerive_GroupsBySurfaceAndSubBoundary(t *testing.T) {
	s := evidence.NewStore()
	mustRecord(t, s,
		evidence.Item{Category: evidence.CategoryGoal, Text: "Faster close", Anchor: "g1"},
		item("r1", "CSV export endpoint", []string{"Requirements", "Ledger Export", "CSV"}, "introduces:ctx-export", "priority:2"),
		item("r2", "Column mapping", []string{"Requirements", "Ledger Export", "Mapping"}, "weight:3"),
		item("r3", "Nightly schedule", []string{"Requirements", "Scheduler"}, "consumes:CTX-EXPORT", "infra"),
		item("r4", "Ad-hoc requirement", nil),
	)

	p, err := Derive(s, "Ledger")
	require.NoError(t, err)

	require.Len(t, p.Surfaces, 3)
	export := p.Surfaces[0]
	assert.Equal(t, "Ledger Export", export.Name)
	assert.Equal(t, "ledger-export", export.Slug)
	assert.Equal(t, 2, export.Priority)
	assert.Equal(t, []string{"CSV", "Mapping"}, export.SubBoundaries())
	assert.Equal(t, 3, export.Deliverables[1].Weight)
	assert.Equal(t, DefaultPriority, export.Deliverables[1].Priority)

	sched := p.Surfaces[1].Deliverables[0]
	assert.True(t, sched.Infra)
	assert.False(t, sched.Observable())
	assert.Equal(t, []string{"CTX-EXPORT"}, sched.Consumes)

	assert.Equal(t, DefaultSurface, p.Surfaces[2].Name)

	require.Len(t, p.Contracts, 1)
	c := p.Contracts[0]
	assert.Equal(t, "CTX-EXPORT", c.ID)
	assert.Equal(t, "CSV export endpoint", c.Description)
	assert.Equal(t, []string{"E-0002", "E-0004"}, c.Refs)

	require.Len(t, p.Context, 1)
	assert.Equal(t, evidence.CategoryGoal, p.Context[0].Category)
	assert.Empty(t, p.Trace(s))
}

func TestDerive_AnswersAndWaivers(t *testing.T) {
	s := evidence.NewStore()
	mustRecord(t, s,
		evidence.Item{Category: evidence.CategoryRequirement, Text: "Audit log of exports", Anchor: "answer/Q-deliverables/r1",
			SourceRef: "interview", Resolves: "Q-deliverables", Round: 1},
		evidence.Item{Category: evidence.CategoryRequirement, Text: "REST only", Anchor: "answer/Q-interfaces/r1",
			SourceRef: "interview", Resolves: "Q-interfaces", Round: 1, Facets: []string{"interface"}},
		evidence.Item{Category: evidence.CategoryRequirement, Text: "none needed", Anchor: "answer/Q-dependency-contracts/r1",
			SourceRef: "interview", Resolves: "Q-dependency-contracts", NotRequired: true, Round: 1},
	)

	p, err := Derive(s, "")
	require.NoError(t, err)
	deliverables := p.Deliverables()
	require.Len(t, deliverables, 1)
	assert.Equal(t, "Audit log of exports", deliverables[0].Text)
	require.Len(t, p.Context, 1)
	assert.Equal(t, "REST only", p.Context[0].Text)
}

func TestDerive_TerminalContracts(t *testing.T) {
	s := evidence.NewStore()
	mustRecord(t, s,
		item("r1", "Public webhook", []string{"Requirements", "Hooks"}, "introduces:CTX-HOOK"),
		evidence.Item{Category: evidence.CategoryTargetState, Text: "Partners consume the webhook", Anchor: "t1", Facets: []string{"terminal:ctx-hook"}},
	)
	p, err := Derive(s, "")
	require.NoError(t, err)
	c, ok := p.Contract("CTX-HOOK")
	require.True(t, ok)
	assert.True(t, c.Terminal)
	assert.Equal(t, "Public webhook", c.Description)
}

func TestDerive_DoubleIntroductionConflicts(t *testing.T) {
	s := evidence.NewStore()
	mustRecord(t, s,
		item("r1", "Token service", []string{"Requirements", "Auth"}, "introduces:CTX-AUTH"),
		item("r2", "Second token service", []string{"Requirements", "Gateway"}, "introduces:CTX-AUTH"),
	)
	_, err := Derive(s, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContractConflict))
	assert.Contains(t, err.Error(), "E-0001 and E-0002")
}

func TestTrace_ReportsUnknownRefs(t *testing.T) {
	s := evidence.NewStore()
	mustRecord(t, s, item("r1", "Token service", []string{"Requirements", "Auth"}, "introduces:CTX-AUTH"))
	p, err := Derive(s, "")
	require.NoError(t, err)

	p.Surfaces[0].Deliverables = append(p.Surfaces[0].Deliverables, Deliverable{ID: "E-0099", Text: "ghost"})
	p.Contracts = append(p.Contracts, Contract{ID: "CTX-GHOST"})

	assert.Equal(t, []string{"E-0099", "contract:CTX-GHOST"}, p.Trace(s))
}
