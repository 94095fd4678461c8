package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/bundlr/internal/artifact"
	"github.com/mark3labs/bundlr/internal/collab"
	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gate"
	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/mark3labs/bundlr/internal/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedDate = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

const completeBrief = `# Payments Portal

## Goals
- Let customers pay open invoices online

## Target State
- Customers see a paid badge on settled invoices [demo] [validation]

## Requirements

### Auth
- Issue session tokens for the portal [introduces: CTX-SESSION] [interface]

### Billing
- Charge saved cards for open invoices [consumes: CTX-SESSION]

## Constraints
- Runs on the existing Postgres cluster [hard] [operational]
`

// partialBrief leaves constraints and operational expectations open.
const partialBrief = `# Payments Portal

## Goals
- Let customers pay open invoices online

## Target State
- Customers see a paid badge on settled invoices [demo] [validation]

## Requirements

### Auth
- Issue session tokens for the portal [introduces: CTX-SESSION] [interface]

### Billing
- Charge saved cards for open invoices [consumes: CTX-SESSION]
`

func newPipeline(t *testing.T, opts Options, journal *evidence.Journal) (*Pipeline, string) {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	opts.Now = func() time.Time { return fixedDate }
	p, err := New(context.Background(), opts, journal)
	require.NoError(t, err)
	return p, opts.OutputDir
}

func ingest(t *testing.T, p *Pipeline, brief string) {
	t.Helper()
	require.NoError(t, p.Ingest(context.Background(), []collab.Source{{Ref: "brief.md", Text: []byte(brief), Primary: true}}))
}

func assertNothingWritten(t *testing.T, root string) {
	t.Helper()
	for _, dir := range []string{artifact.BundlesDir, artifact.SeriesDir} {
		_, err := os.Stat(filepath.Join(root, dir))
		assert.True(t, os.IsNotExist(err), "%s must not exist", dir)
	}
}

func TestPipeline_CompleteBriefFinalizes(t *testing.T) {
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, completeBrief)

	round, err := p.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, round.Questions)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "billing"}, res.Series.Slugs())
	assert.Empty(t, res.ManifestDiff)
	assert.Equal(t, gate.Finalized, p.Gate().State())
	assert.Equal(t, []gate.State{
		gate.Investigating, gate.AwaitingAnswers, gate.Planning, gate.Decomposing, gate.Validating, gate.Finalized,
	}, p.Gate().History())

	for _, f := range res.Files {
		_, err := os.Stat(filepath.Join(out, filepath.FromSlash(f)))
		assert.NoError(t, err, f)
	}
	manifest, err := os.ReadFile(filepath.Join(out, artifact.SeriesDir, artifact.SeriesManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"title": "Payments Portal"`)
	assert.Contains(t, string(manifest), `"CTX-SESSION": "Issue session tokens for the portal"`)

	_, err = p.Build(context.Background())
	assert.ErrorIs(t, err, gate.ErrInvalidTransition, "a finalized run does not build twice")
}

func TestPipeline_OpenBlockersHaltWithoutWriting(t *testing.T) {
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, partialBrief)

	_, err := p.Build(context.Background())
	require.ErrorIs(t, err, gate.ErrBlockerUnresolved)
	h, ok := gate.AsHalt(err)
	require.True(t, ok)
	assert.Equal(t, gate.ReasonBlockersOpen, h.Reason)
	assert.Equal(t, []string{"B-constraints", "B-operational-expectations"}, h.Details)
	assertNothingWritten(t, out)

	digest := p.Digest()
	assert.Contains(t, digest, "Halted(blockers-open)")
	assert.Contains(t, digest, "Q-constraints")

	_, err = p.Submit(context.Background(), []interview.Answer{{QuestionID: "Q-constraints", Text: "Postgres only"}})
	assert.ErrorIs(t, err, gate.ErrBlockerUnresolved, "a halted run takes no more answers")
}

func TestPipeline_InterviewResolvesBlockers(t *testing.T) {
	p, out := newPipeline(t, Options{Title: "Portal payments"}, nil)
	ingest(t, p, partialBrief)

	round, err := p.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, round.Number)
	assert.Equal(t, []string{"Q-constraints", "Q-operational-expectations"}, round.IDs())

	res, err := p.Submit(context.Background(), []interview.Answer{
		{QuestionID: "Q-constraints", Text: "Runs on the existing Postgres cluster"},
		interview.ParseAnswer("Q-operational-expectations", "not-required: internal batch tool"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 2)
	assert.Empty(t, res.Pending)
	assert.Equal(t, gate.AwaitingAnswers, p.Gate().State())
	require.Len(t, p.Rounds(), 1)
	assert.Equal(t, 2, p.Rounds()[0].Accepted)

	_, err = p.Submit(context.Background(), []interview.Answer{{QuestionID: "Q-constraints", Text: "again"}})
	assert.ErrorIs(t, err, ErrNoOpenQuestions)

	built, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "billing"}, built.Series.Slugs())

	manifest, err := os.ReadFile(filepath.Join(out, artifact.SeriesDir, artifact.SeriesManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"title": "Portal payments"`)
	assert.Contains(t, string(manifest), "operational-expectations marked not required: internal batch tool")
}

func TestPipeline_IdleRoundsHaltWithNoProgress(t *testing.T) {
	p, out := newPipeline(t, Options{MaxIdleRounds: 2}, nil)
	ingest(t, p, partialBrief)

	res, err := p.Submit(context.Background(), []interview.Answer{{QuestionID: "Q-constraints", Text: "TBD"}})
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)

	_, err = p.Submit(context.Background(), nil)
	require.ErrorIs(t, err, gate.ErrNoProgress)
	h := p.Gate().Halt()
	require.NotNil(t, h)
	assert.Equal(t, gate.ReasonNoProgress, h.Reason)
	assert.Equal(t, []string{"Q-constraints", "Q-operational-expectations"}, h.Details)

	_, err = p.Build(context.Background())
	assert.ErrorIs(t, err, gate.ErrNoProgress)
	assertNothingWritten(t, out)
}

func TestPipeline_ValidationFeedbackSealsBundles(t *testing.T) {
	brief := strings.Replace(completeBrief,
		"- Charge saved cards for open invoices [consumes: CTX-SESSION]",
		"- Charge saved cards for open invoices once auth is live [consumes: CTX-SESSION]", 1)
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, brief)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Gate().Retries())

	plans, err := os.ReadFile(filepath.Join(out, artifact.BundlesDir, "billing", artifact.AgentDir, "Plans.md"))
	require.NoError(t, err)
	assert.Contains(t, string(plans), "once the capability CTX-SESSION is live")
	for _, b := range res.Series.Bundles {
		if b.Slug == "billing" {
			assert.NotContains(t, b.Content(), " auth ")
		}
	}
}

func TestPipeline_DanglingContractLoopsBackBeforeHalting(t *testing.T) {
	brief := strings.Replace(completeBrief,
		"[consumes: CTX-SESSION]", "[consumes: CTX-SESSION, CTX-AUTH]", 1)
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, brief)

	_, err := p.Build(context.Background())
	require.ErrorIs(t, err, gate.ErrValidationViolation)
	h, ok := gate.AsHalt(err)
	require.True(t, ok)
	assert.Equal(t, gate.ReasonValidationUnresolvable, h.Reason)
	assert.Equal(t, []string{"DanglingContract(CTX-AUTH)"}, h.Details)
	assert.Equal(t, 1, p.Gate().Retries())
	assert.Equal(t, []gate.State{
		gate.Investigating, gate.AwaitingAnswers, gate.Planning,
		gate.Decomposing, gate.Validating, gate.Decomposing, gate.Validating, gate.Halted,
	}, p.Gate().History())
	assertNothingWritten(t, out)
}

func TestPipeline_RenderedDocumentsAreSealed(t *testing.T) {
	brief := strings.NewReplacer("### Auth", "### API", "### Billing", "### API Gateway").Replace(completeBrief)
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, brief)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	slugs := res.Series.Slugs()
	assert.Equal(t, []string{"api-2", "api-gateway"}, slugs)
	assert.Equal(t, 1, p.Gate().Retries())

	for _, f := range res.Files {
		self, ok := artifact.File{Path: f}.Bundle()
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(f)))
		require.NoError(t, err)
		for _, other := range slugs {
			if other != self {
				assert.False(t, decompose.MentionsSlug(string(data), other), "%s mentions %s", f, other)
			}
		}
	}
}

func TestPipeline_ContractIntroducedTwiceHalts(t *testing.T) {
	brief := strings.Replace(completeBrief,
		"[consumes: CTX-SESSION]", "[introduces: CTX-SESSION]", 1)
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, brief)

	_, err := p.Build(context.Background())
	require.ErrorIs(t, err, gate.ErrEvidenceConflict)
	assert.Equal(t, gate.Halted, p.Gate().State())
	assertNothingWritten(t, out)
}

type conflictExtractor struct{}

func (conflictExtractor) Extract(_ context.Context, src collab.Source) (collab.Extraction, error) {
	return collab.Extraction{Items: []evidence.Item{
		{Category: evidence.CategoryRequirement, Text: "Export CSV", Anchor: src.Ref + "#p1"},
		{Category: evidence.CategoryNonGoal, Text: "No CSV export", Anchor: src.Ref + "#p1"},
	}}, nil
}

func TestPipeline_AnchorConflictHalts(t *testing.T) {
	p, _ := newPipeline(t, Options{Collaborator: collab.Collaborator{Extractor: conflictExtractor{}}}, nil)
	err := p.Ingest(context.Background(), []collab.Source{{Ref: "brief.md", Primary: true}})
	require.ErrorIs(t, err, gate.ErrEvidenceConflict)
	require.ErrorIs(t, err, evidence.ErrDuplicateAnchorConflict)
	h := p.Gate().Halt()
	require.NotNil(t, h)
	assert.Equal(t, []string{"brief.md#p1", "E-0001"}, h.Details)
}

func TestPipeline_WriteFailureHalts(t *testing.T) {
	failing := artifact.WithWriteFunc(func(string, io.Reader) error { return errors.New("disk full") })
	p, out := newPipeline(t, Options{WriterOptions: []artifact.WriterOption{failing}}, nil)
	ingest(t, p, completeBrief)

	_, err := p.Build(context.Background())
	require.ErrorIs(t, err, gate.ErrWriteFailed)
	assert.Contains(t, err.Error(), "disk full")
	assertNothingWritten(t, out)
}

func TestPipeline_CancelledBuildWritesNothing(t *testing.T) {
	p, out := newPipeline(t, Options{}, nil)
	ingest(t, p, completeBrief)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Build(ctx)
	require.ErrorIs(t, err, gate.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assertNothingWritten(t, out)
}

func TestPipeline_ResumesFromJournal(t *testing.T) {
	ctx := context.Background()
	nj, err := nats.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nj.Close() })

	first, _ := newPipeline(t, Options{Run: "portal", MaxIdleRounds: 2}, evidence.NewJournal(nj.JetStream, nj.Stream, "portal"))
	ingest(t, first, partialBrief)
	_, err = first.Submit(ctx, []interview.Answer{{QuestionID: "Q-constraints", Text: "?"}})
	require.NoError(t, err)

	second, _ := newPipeline(t, Options{Run: "portal", MaxIdleRounds: 2}, evidence.NewJournal(nj.JetStream, nj.Stream, "portal"))
	assert.Equal(t, first.Store().Items(), second.Store().Items())
	assert.Equal(t, "Payments Portal", second.Title())
	require.Len(t, second.Rounds(), 1)

	round, err := second.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, round.Number)

	// The journaled idle round counts toward the limit.
	_, err = second.Submit(ctx, nil)
	assert.ErrorIs(t, err, gate.ErrNoProgress)

	other, _ := newPipeline(t, Options{Run: "other"}, evidence.NewJournal(nj.JetStream, nj.Stream, "other"))
	assert.Equal(t, 0, other.Store().Len())

	require.NoError(t, second.Reset(ctx))
	assert.Equal(t, 0, second.Store().Len())
	assert.Empty(t, second.Rounds())
	assert.Equal(t, gate.Investigating, second.Gate().State())
	assert.Equal(t, "portal", second.Title())
}

func TestPipeline_Run(t *testing.T) {
	p, _ := newPipeline(t, Options{}, nil)
	sources := []collab.Source{{Ref: "brief.md", Text: []byte(partialBrief), Primary: true}}
	res, err := p.Run(context.Background(), sources, []interview.Answer{
		{QuestionID: "Q-constraints", Text: "Runs on the existing Postgres cluster"},
		{QuestionID: "Q-operational-expectations", Text: "Deployed with the nightly release train"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Series.Bundles, 2)
}

func TestReadSources(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "brief.md")
	extra := filepath.Join(dir, "context.md")
	require.NoError(t, os.WriteFile(primary, []byte("# Brief"), 0o644))
	require.NoError(t, os.WriteFile(extra, []byte("# Context"), 0o644))

	sources, err := ReadSources(primary, extra)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.True(t, sources[0].Primary)
	assert.False(t, sources[1].Primary)
	assert.Equal(t, "# Context", string(sources[1].Text))

	_, err = ReadSources(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}

func TestIdleRounds(t *testing.T) {
	rounds := []evidence.Round{{Number: 1, Accepted: 0}, {Number: 2, Accepted: 3}, {Number: 3}, {Number: 4}}
	assert.Equal(t, 2, idleRounds(rounds))
	assert.Equal(t, 0, idleRounds(rounds[:2]))
	assert.Equal(t, 0, idleRounds(nil))
}
