package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/gate"
	"github.com/mark3labs/bundlr/internal/plan"
	"github.com/natefinch/atomic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedDate = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testInput() Input {
	demo := func(what string) decompose.PurposeDemo {
		return decompose.PurposeDemo{
			Trigger:          "Exercise the new behaviour: " + what,
			ExpectedBehavior: what,
			ObservableProof:  "Reviewer sees " + what,
			ValidationIntent: "Check covers " + what,
		}
	}
	items := []evidence.Item{
		{ID: "E-0001", Category: evidence.CategoryGoal, Text: "Close the books in one day", Anchor: "brief.md#goals/p1", SourceRef: "brief.md"},
		{ID: "E-0002", Category: evidence.CategoryRequirement, Text: "Token service", Anchor: "brief.md#req/auth/p1", SourceRef: "brief.md"},
		{ID: "E-0003", Category: evidence.CategoryRequirement, Text: "Charge cards", Anchor: "brief.md#req/billing/p1", SourceRef: "brief.md"},
		{ID: "E-0004", Category: evidence.CategoryGlossaryTerm, Text: "Token: a signed session credential", Anchor: "brief.md#glossary/p1", SourceRef: "brief.md"},
		{ID: "E-0005", Category: evidence.CategoryRisk, Text: "Card processor rate limits", Anchor: "brief.md#risks/p1", SourceRef: "brief.md"},
	}
	return Input{
		Title: "Payments",
		Run:   "payments",
		Date:  fixedDate,
		Plan:  &plan.Plan{Title: "Payments", Context: []evidence.Item{items[0], items[3], items[4]}},
		Items: items,
		Report: gaps.Report{Questions: []gaps.Question{{
			ID: "Q-operational-expectations", Gap: gaps.DimOperational, Answer: "batch job", NotRequired: true, ResolvedBy: "E-0006",
		}}},
		Series: decompose.Series{
			Title: "Payments",
			Bundles: []decompose.Bundle{
				{
					Slug: "auth", Title: "Auth", Surface: "Auth", LinesEstimate: 165,
					Prerequisites: []string{}, ContractsIntroduced: []string{"CTX-AUTH"}, OpenQuestions: []string{},
					Deliverables: []plan.Deliverable{{ID: "E-0002", Text: "Token service"}},
					Contracts:    []decompose.ContractNote{{ID: "CTX-AUTH", Description: "Token service", Introduced: true}},
					EvidenceRefs: []string{"E-0002"},
					PurposeDemo:  demo("Token service"),
				},
				{
					Slug: "billing", Title: "Billing", Surface: "Billing", LinesEstimate: 165,
					Prerequisites: []string{"CTX-AUTH"}, ContractsIntroduced: []string{}, OpenQuestions: []string{},
					Deliverables: []plan.Deliverable{{ID: "E-0003", Text: "Charge cards"}},
					Contracts:    []decompose.ContractNote{{ID: "CTX-AUTH", Description: "Token service"}},
					EvidenceRefs: []string{"E-0003"},
					PurposeDemo:  demo("Charge cards"),
				},
			},
			Catalog: []decompose.ContractID{{ID: "CTX-AUTH", Description: "Token service", IntroducedBy: "auth", ConsumedBy: []string{"billing"}}},
		},
	}
}

func fileMap(files []File) map[string]string {
	m := make(map[string]string, len(files))
	for _, f := range files {
		m[f.Path] = string(f.Data)
	}
	return m
}

func TestBuild_FixedTreeShape(t *testing.T) {
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"BUNDLES/auth/.agent/Prompt.md",
		"BUNDLES/auth/.agent/Plans.md",
		"BUNDLES/auth/.agent/Implement.md",
		"BUNDLES/auth/.agent/Documentation.md",
		"BUNDLES/auth/MANIFEST.json",
		"BUNDLES/billing/.agent/Prompt.md",
		"BUNDLES/billing/.agent/Plans.md",
		"BUNDLES/billing/.agent/Implement.md",
		"BUNDLES/billing/.agent/Documentation.md",
		"BUNDLES/billing/MANIFEST.json",
		"BUNDLE_SERIES/Overview.md",
		"BUNDLE_SERIES/ContextDigest.md",
		"BUNDLE_SERIES/SeriesManifest.json",
	}, paths)
}

func TestBuild_Manifests(t *testing.T) {
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)
	m := fileMap(files)

	var bm Manifest
	require.NoError(t, json.Unmarshal([]byte(m["BUNDLES/billing/MANIFEST.json"]), &bm))
	assert.Equal(t, "billing", bm.Slug)
	assert.Equal(t, 165, bm.LinesEstimate)
	assert.Equal(t, []string{"CTX-AUTH"}, bm.Prerequisites)
	assert.Equal(t, []string{}, bm.OpenQuestions)
	assert.True(t, bm.PurposeDemo.Complete())

	var sm SeriesManifest
	require.NoError(t, json.Unmarshal([]byte(m["BUNDLE_SERIES/SeriesManifest.json"]), &sm))
	assert.Equal(t, "Payments", sm.Title)
	assert.Equal(t, "2026-03-14T09:30:00Z", sm.Date)
	assert.Equal(t, []string{"auth", "billing"}, sm.BundleSlugs)
	assert.Equal(t, map[string]string{"CTX-AUTH": "Token service"}, sm.ContractCatalog)
	assert.Equal(t, []string{
		"operational-expectations marked not required: batch job",
		"Risk (E-0005): Card processor rate limits",
	}, sm.OpenNotes)
}

func TestBuild_BundleDocsAreSealed(t *testing.T) {
	in := testInput()
	files, err := Build(in, DefaultTemplates())
	require.NoError(t, err)

	for _, f := range files {
		if !strings.HasPrefix(f.Path, BundlesDir+"/") {
			continue
		}
		owner := strings.Split(f.Path, "/")[1]
		for _, slug := range in.Series.Slugs() {
			if slug == owner {
				continue
			}
			assert.False(t, decompose.MentionsSlug(string(f.Data), slug), "%s mentions %s", f.Path, slug)
		}
	}
}

func TestBuild_DocumentContent(t *testing.T) {
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)
	m := fileMap(files)

	prompt := m["BUNDLES/billing/.agent/Prompt.md"]
	assert.Contains(t, prompt, "# Billing")
	assert.Contains(t, prompt, "Change set 2 of 2")
	assert.Contains(t, prompt, "- Trigger: Exercise the new behaviour: Charge cards")
	assert.Contains(t, prompt, "- CTX-AUTH: Token service")
	assert.NotContains(t, prompt, "{{")

	plans := m["BUNDLES/billing/.agent/Plans.md"]
	assert.Contains(t, plans, "- [E-0003] Charge cards")
	assert.Contains(t, plans, "| E-0003 | Requirement | brief.md | brief.md#req/billing/p1 |")

	steps := m["BUNDLES/billing/.agent/Implement.md"]
	assert.Contains(t, steps, "1. Confirm contract CTX-AUTH is available before starting.")
	assert.Contains(t, steps, "2. Implement E-0003: Charge cards")

	doc := m["BUNDLES/auth/.agent/Documentation.md"]
	assert.Contains(t, doc, "## Contracts Introduced\n- CTX-AUTH: Token service")
	assert.Contains(t, doc, "- Token: a signed session credential")
	assert.Contains(t, m["BUNDLES/billing/.agent/Documentation.md"], "## Contracts Consumed\n- CTX-AUTH: Token service")

	overview := m["BUNDLE_SERIES/Overview.md"]
	assert.Contains(t, overview, "1. `auth` Auth (165 lines)")
	assert.Contains(t, overview, "| CTX-AUTH | auth | billing | Token service |")
	assert.Contains(t, overview, "## Goals\n- Close the books in one day [E-0001]")
}

func TestDigest_Halted(t *testing.T) {
	report := gaps.ComputeGaps(evidence.NewStore())
	out := Digest(DigestInput{
		Title:  "Payments",
		Run:    "payments",
		Date:   fixedDate,
		State:  gate.Halted,
		Halt:   gate.NewHaltError(gate.ErrBlockerUnresolved, nil, "B-constraints"),
		Report: report,
	}, DefaultTemplates())

	assert.Contains(t, out, "State: Halted(blockers-open)")
	assert.Contains(t, out, "## Halted: blockers-open")
	assert.Contains(t, out, "- B-constraints")
	assert.Contains(t, out, "**Q-constraints**")
	assert.Contains(t, out, "- B-deliverables [Open]")
	assert.Contains(t, out, "0 items, 0 from interview answers.")
}

func TestRender(t *testing.T) {
	out := Render("# {{title}}\n\n{{empty}}\n\n\nbody {{missing}}", Variables{"title": "Plan", "empty": ""})
	assert.Equal(t, "# Plan\n\nbody {{missing}}\n", out)
}

func TestLoadTemplates_OverridesFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Prompt.md"), []byte("custom {{title}}"), 0o644))

	tpl, err := LoadTemplates(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom {{title}}", tpl.Prompt)
	assert.Equal(t, DefaultTemplates().Plans, tpl.Plans)

	tpl, err = LoadTemplates("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates(), tpl)
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWriter_WritesAndReplacesWithDiff(t *testing.T) {
	root := t.TempDir()
	in := testInput()
	files, err := Build(in, DefaultTemplates())
	require.NoError(t, err)

	res, err := NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)
	assert.Len(t, res.Files, len(files))
	assert.Empty(t, res.ManifestDiff)
	assert.Len(t, listTree(t, root), len(files))

	// Second run drops the billing bundle.
	in.Series.Bundles = in.Series.Bundles[:1]
	files, err = Build(in, DefaultTemplates())
	require.NoError(t, err)
	res, err = NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)

	assert.Contains(t, res.ManifestDiff, `-    "billing"`)
	_, err = os.Stat(filepath.Join(root, "BUNDLES", "billing"))
	assert.True(t, os.IsNotExist(err), "stale bundle must disappear with the swap")
	assert.Len(t, listTree(t, root), len(files))
}

func TestWriter_FailureLeavesPriorOutputUntouched(t *testing.T) {
	root := t.TempDir()
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)
	_, err = NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)
	before := listTree(t, root)
	prior, err := os.ReadFile(filepath.Join(root, "BUNDLE_SERIES", "SeriesManifest.json"))
	require.NoError(t, err)

	calls := 0
	failing := WithWriteFunc(func(name string, r io.Reader) error {
		calls++
		if calls == 3 {
			return errors.New("disk full")
		}
		return atomic.WriteFile(name, r)
	})
	in := testInput()
	in.Title = "Payments v2"
	files, err = Build(in, DefaultTemplates())
	require.NoError(t, err)

	_, err = NewWriter(root, failing).Write(context.Background(), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, before, listTree(t, root), "no stage or partial output may remain")
	after, err := os.ReadFile(filepath.Join(root, "BUNDLE_SERIES", "SeriesManifest.json"))
	require.NoError(t, err)
	assert.Equal(t, prior, after)
}

func TestWriter_CancelledWritesNothing(t *testing.T) {
	root := t.TempDir()
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewWriter(root).Write(ctx, files)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listTree(t, root))
}

func TestWriter_RejectsPathsOutsideRoots(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"../escape.md", "/etc/passwd", "notes.md", "BUNDLES/../../x"} {
		_, err := NewWriter(root).Write(context.Background(), []File{{Path: p, Data: []byte("x")}})
		assert.Error(t, err, p)
	}
	assert.Empty(t, listTree(t, root))
}

func TestWriter_RecoverRollsBackInterruptedSwap(t *testing.T) {
	root := t.TempDir()
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)
	_, err = NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)
	before := listTree(t, root)

	// Crash after both roots were backed up and only BUNDLES was replaced.
	backup := filepath.Join(root, backupDir)
	require.NoError(t, os.Mkdir(backup, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backup, rootsFile), []byte("BUNDLES\nBUNDLE_SERIES"), 0o644))
	for _, top := range []string{BundlesDir, SeriesDir} {
		require.NoError(t, os.Rename(filepath.Join(root, top), filepath.Join(backup, top)))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, BundlesDir, "reports"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, BundlesDir, "reports", ManifestFile), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".bundlr-stage-123", SeriesDir), 0o755))

	require.NoError(t, NewWriter(root).Recover())
	assert.Equal(t, before, listTree(t, root))
	_, err = os.Stat(backup)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, ".bundlr-stage-123"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_RecoverRemovesNewRootsWithoutPriorOutput(t *testing.T) {
	root := t.TempDir()
	backup := filepath.Join(root, backupDir)
	require.NoError(t, os.Mkdir(backup, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backup, rootsFile), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, BundlesDir, "auth"), 0o755))

	require.NoError(t, NewWriter(root).Recover())
	assert.Empty(t, listTree(t, root))
	_, err := os.Stat(filepath.Join(root, BundlesDir))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_RecoverKeepsCommittedSwap(t *testing.T) {
	root := t.TempDir()
	files, err := Build(testInput(), DefaultTemplates())
	require.NoError(t, err)
	_, err = NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)
	before := listTree(t, root)

	// Crash after the commit marker, before the backup was removed.
	backup := filepath.Join(root, backupDir)
	require.NoError(t, os.MkdirAll(filepath.Join(backup, BundlesDir, "stale"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backup, BundlesDir, "stale", ManifestFile), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(backup, committedFile), nil, 0o644))

	// The next write recovers first and then replaces the output as usual.
	_, err = NewWriter(root).Write(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, before, listTree(t, root))
}
