package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brief = `# Invoice Reconciliation

Some introduction that belongs to no section.

## Goals
- Close the books within one business day

## Requirements

### Ingest

#### Bank feeds
- Import CAMT.053 statements nightly [introduces: CTX-FEED] [priority: 10]
- Retry failed imports [operational]

### Matching
Match payments to open invoices using the feed. [consumes: CTX-FEED] [weight: 2]

## Constraints
- Runs on the existing Postgres cluster [hard]
- Prefer batch jobs over streaming [soft] [x] stays

## Glossary
- CAMT: ISO 20022 bank-to-customer statement

` + "```\n- not an item\n```\n"

func extract(t *testing.T) Extraction {
	t.Helper()
	ex, err := Markdown{}.Extract(context.Background(), Source{Ref: "brief.md", Text: []byte(brief), Primary: true})
	require.NoError(t, err)
	return ex
}

func TestMarkdown_ExtractsCategorisedItems(t *testing.T) {
	ex := extract(t)
	assert.Equal(t, "Invoice Reconciliation", ex.Title)

	var got []string
	for _, item := range ex.Items {
		got = append(got, string(item.Category)+" "+item.Anchor)
	}
	assert.Equal(t, []string{
		"Goal brief.md#goals/p1",
		"Requirement brief.md#requirements/ingest/bank-feeds/p1",
		"Requirement brief.md#requirements/ingest/bank-feeds/p2",
		"Requirement brief.md#requirements/matching/p1",
		"Constraint brief.md#constraints/p1",
		"Constraint brief.md#constraints/p2",
		"GlossaryTerm brief.md#glossary/p1",
	}, got)
}

func TestMarkdown_Markers(t *testing.T) {
	ex := extract(t)
	feeds := ex.Items[1]
	assert.Equal(t, "Import CAMT.053 statements nightly", feeds.Text)
	assert.Equal(t, []string{"introduces:CTX-FEED", "priority:10"}, feeds.Facets)
	assert.Equal(t, []string{"Requirements", "Ingest", "Bank feeds"}, feeds.Outline)
	assert.Equal(t, "brief.md", feeds.SourceRef)

	assert.Equal(t, []string{"operational"}, ex.Items[2].Facets)

	matching := ex.Items[3]
	assert.Equal(t, "Match payments to open invoices using the feed.", matching.Text)
	assert.Equal(t, []string{"consumes:CTX-FEED", "weight:2"}, matching.Facets)

	assert.Equal(t, evidence.StrengthHard, ex.Items[4].Strength)
	assert.Equal(t, evidence.StrengthSoft, ex.Items[5].Strength)
	assert.Equal(t, "Prefer batch jobs over streaming [x] stays", ex.Items[5].Text)
}

func TestMarkdown_NoteAndStrengthOnlyOnConstraints(t *testing.T) {
	doc := "## Requirements\n- Export as CSV [hard] [note: replaces the PDF export]\n"
	ex, err := Markdown{}.Extract(context.Background(), Source{Ref: "ctx.md", Text: []byte(doc)})
	require.NoError(t, err)
	require.Len(t, ex.Items, 1)
	assert.Empty(t, ex.Items[0].Strength)
	assert.Equal(t, "replaces the PDF export", ex.Items[0].Note)
	assert.Equal(t, "Export as CSV", ex.Items[0].Text)
}

func TestMarkdown_ReingestIsIdempotent(t *testing.T) {
	store := evidence.NewStore()
	for range 2 {
		for _, item := range extract(t).Items {
			_, err := store.Record(item)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 7, store.Len())
}

func TestMarkdown_RequiresRef(t *testing.T) {
	_, err := Markdown{}.Extract(context.Background(), Source{Text: []byte(brief)})
	assert.Error(t, err)
}

func TestLoad_DefaultsWithoutConfig(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, Markdown{}, c.Extractor)
	assert.IsType(t, DefaultPhraser{}, c.Phraser)
}

func TestLoad_CommandCollaborator(t *testing.T) {
	dir := t.TempDir()
	cfg := "version: 1\nphrase:\n  command: \"echo 'Please describe {{question}}'\"\n  timeout: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(cfg), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.IsType(t, Markdown{}, c.Extractor)
	require.IsType(t, &CommandPhraser{}, c.Phraser)

	qs, err := PhraseAll(context.Background(), c.Phraser, []gaps.Question{{ID: "Q-constraints", Text: "default"}})
	require.NoError(t, err)
	assert.Equal(t, "Please describe Q-constraints", qs[0].Text)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("extract: [unclosed"), 0o644))
	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestCommandExtractor(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
		want    []evidence.Item
	}{
		{
			name:    "reads JSON from stdout and fills source ref",
			command: `echo '{"title":"T","items":[{"id":"X-1","category":"Goal","text":"ship","anchor":"{{source}}#g/p1"}]}'`,
			want: []evidence.Item{
				{Category: evidence.CategoryGoal, Text: "ship", Anchor: "doc.md#g/p1", SourceRef: "doc.md"},
			},
		},
		{
			name:    "document arrives on stdin",
			command: `printf '{"items":[{"category":"Risk","text":"%s","anchor":"a"}]}' "$(cat)"`,
			want: []evidence.Item{
				{Category: evidence.CategoryRisk, Text: "vendor lock-in", Anchor: "a", SourceRef: "doc.md"},
			},
		},
		{name: "non-zero exit", command: "echo boom >&2; exit 3", wantErr: true},
		{name: "bad output", command: "echo not-json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &CommandExtractor{Hook: &HookConfig{Command: tt.command, Timeout: 5}, WorkDir: t.TempDir()}
			ex, err := x.Extract(context.Background(), Source{Ref: "doc.md", Text: []byte("vendor lock-in")})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ex.Items)
		})
	}
}

func TestCommandPhraser_FailureKeepsDefault(t *testing.T) {
	p := &CommandPhraser{Hook: &HookConfig{Command: "exit 1", Timeout: 5}, WorkDir: t.TempDir()}
	text, err := p.Phrase(context.Background(), gaps.Question{ID: "Q-interfaces", Text: "Which interfaces?"})
	require.NoError(t, err)
	assert.Equal(t, "Which interfaces?", text)
}

func TestCommandPhraser_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &CommandPhraser{Hook: &HookConfig{Command: "sleep 5", Timeout: 5}, WorkDir: t.TempDir()}
	_, err := p.Phrase(ctx, gaps.Question{ID: "Q-interfaces"})
	assert.ErrorIs(t, err, context.Canceled)
}
