package evidence

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(anchor, text string, facets ...string) Item {
	return Item{
		Category:  CategoryRequirement,
		Text:      text,
		Anchor:    anchor,
		SourceRef: "brief.md",
		Facets:    facets,
	}
}

func TestRecord_AssignsSequentialIDs(t *testing.T) {
	s := NewStore()

	id1, err := s.Record(req("brief.md#req/p1", "Export invoices as CSV"))
	require.NoError(t, err)
	id2, err := s.Record(req("brief.md#req/p2", "Email a weekly summary"))
	require.NoError(t, err)

	assert.Equal(t, "E-0001", id1)
	assert.Equal(t, "E-0002", id2)
	assert.Equal(t, 2, s.Len())
}

func TestRecord_Validation(t *testing.T) {
	tests := []struct {
		name string
		item Item
	}{
		{"missing anchor", Item{Category: CategoryGoal, Text: "x"}},
		{"unknown category", Item{Category: "Wish", Text: "x", Anchor: "a"}},
		{"strength on goal", Item{Category: CategoryGoal, Strength: StrengthHard, Text: "x", Anchor: "a"}},
		{"bad strength", Item{Category: CategoryConstraint, Strength: "firm", Text: "x", Anchor: "a"}},
		{"waiver without question", Item{Category: CategoryGoal, NotRequired: true, Text: "x", Anchor: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			_, err := s.Record(tt.item)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidItem), "got %v", err)
			assert.Equal(t, 0, s.Len())
		})
	}
}

func TestRecord_AnchorConflict(t *testing.T) {
	s := NewStore()
	_, err := s.Record(req("brief.md#scope/p1", "Support SSO"))
	require.NoError(t, err)

	contradicting := Item{Category: CategoryNonGoal, Text: "SSO is out of scope", Anchor: "brief.md#scope/p1"}
	_, err = s.Record(contradicting)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateAnchorConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "E-0001", conflict.Existing.ID)
	assert.Equal(t, 1, s.Len(), "conflicting item must not be appended")

	contradicting.Note = "scope call in kickoff superseded the brief"
	id, err := s.Record(contradicting)
	require.NoError(t, err)
	assert.Equal(t, "E-0002", id)
}

func TestRecord_IdenticalItemIsNoOp(t *testing.T) {
	s := NewStore()
	id1, err := s.Record(req("brief.md#req/p1", "Export invoices", "interface"))
	require.NoError(t, err)
	id2, err := s.Record(req("brief.md#req/p1", "Export invoices", "interface"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Len())
}

func TestRecord_HookVetoesAppend(t *testing.T) {
	var seen []string
	fail := false
	s := NewStore(WithAppendHook(func(it Item) error {
		if fail {
			return errors.New("journal unavailable")
		}
		seen = append(seen, it.ID)
		return nil
	}))

	_, err := s.Record(req("a", "one"))
	require.NoError(t, err)

	fail = true
	_, err = s.Record(req("b", "two"))
	require.Error(t, err)

	assert.Equal(t, []string{"E-0001"}, seen)
	assert.Equal(t, 1, s.Len())
}

func TestQueryByCategory_RestartableAndFinite(t *testing.T) {
	s := NewStore()
	_, _ = s.Record(Item{Category: CategoryGoal, Text: "Faster billing", Anchor: "g1"})
	_, _ = s.Record(req("r1", "Export CSV"))
	_, _ = s.Record(req("r2", "Weekly email"))

	seq := s.QueryByCategory(CategoryRequirement)
	first := slices.Collect(seq)
	second := slices.Collect(seq)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, "Export CSV", first[0].Text)

	// Early termination is honoured.
	count := 0
	for range s.All() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestQuery_DoesNotExposeInternalSlices(t *testing.T) {
	s := NewStore()
	facets := []string{"interface"}
	_, _ = s.Record(req("r1", "Export CSV", facets...))
	facets[0] = "mutated"

	item, ok := s.Get("E-0001")
	require.True(t, ok)
	assert.Equal(t, []string{"interface"}, item.Facets)
}

func TestFacetValues(t *testing.T) {
	item := req("r1", "Token service", "introduces:CTX-AUTH", "consumes:CTX-DB", "introduces:CTX-SESSION", "priority:2")
	assert.Equal(t, []string{"CTX-AUTH", "CTX-SESSION"}, item.FacetValues(FacetIntroduces))
	assert.Equal(t, []string{"CTX-DB"}, item.FacetValues(FacetConsumes))
	assert.Equal(t, []string{"2"}, item.FacetValues(FacetPriority))
	assert.Nil(t, item.FacetValues(FacetTerminal))
}

func TestIsPlaceholder(t *testing.T) {
	for _, text := range []string{"", "  ", "TBD", "tbd.", "TODO", "?", "???", "N/A", "...", "…", "<fill in>", "[owner]", "unknown", "---"} {
		assert.True(t, IsPlaceholder(text), "%q should be a placeholder", text)
	}
	for _, text := range []string{"p95 latency under 200ms", "N/A values are rejected by the importer", "What about retries? Three attempts."} {
		assert.False(t, IsPlaceholder(text), "%q should be concrete", text)
	}
}

func TestParseCategory(t *testing.T) {
	tests := map[string]Category{
		"Goals":            CategoryGoal,
		"current state":    CategoryCurrentState,
		"Success Criteria": CategoryTargetState,
		"non-goals":        CategoryNonGoal,
		"Glossary":         CategoryGlossaryTerm,
		"Constraint":       CategoryConstraint,
	}
	for in, want := range tests {
		got, err := ParseCategory(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCategory("appendix")
	assert.Error(t, err)
}
