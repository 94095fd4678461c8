// Package artifact renders the bundle and series documents and writes the
// whole tree in one all-or-nothing step.
package artifact

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/gate"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/mark3labs/bundlr/internal/plan"
)

var log = logger.Named("artifact")

// Output tree roots.
const (
	BundlesDir = "BUNDLES"
	SeriesDir  = "BUNDLE_SERIES"
	AgentDir   = ".agent"

	ManifestFile       = "MANIFEST.json"
	SeriesManifestFile = "SeriesManifest.json"
	OverviewFile       = "Overview.md"
	DigestFile         = "ContextDigest.md"
)

// File is one generated document, with a slash-separated path relative to
// the output root.
type File struct {
	Path string
	Data []byte
}

// Bundle returns the slug of the bundle the file belongs to, or false for
// series files.
func (f File) Bundle() (string, bool) {
	rest, ok := strings.CutPrefix(f.Path, BundlesDir+"/")
	if !ok {
		return "", false
	}
	slug, _, ok := strings.Cut(rest, "/")
	return slug, ok
}

// Input is everything the documents are rendered from.
type Input struct {
	Title  string
	Run    string
	Date   time.Time
	Plan   *plan.Plan
	Series decompose.Series
	Report gaps.Report
	Items  []evidence.Item
}

// Manifest is the per-bundle MANIFEST.json.
type Manifest struct {
	Slug                string                `json:"slug"`
	LinesEstimate       int                   `json:"loBudgetLinesEstimate"`
	Prerequisites       []string              `json:"prerequisites"`
	ContractsIntroduced []string              `json:"contractsIntroduced"`
	PurposeDemo         decompose.PurposeDemo `json:"purposeDemo"`
	OpenQuestions       []string              `json:"openQuestions"`
	EvidenceRefs        []string              `json:"evidenceRefs"`
}

// SeriesManifest is BUNDLE_SERIES/SeriesManifest.json.
type SeriesManifest struct {
	Title           string            `json:"title"`
	Date            string            `json:"date"`
	BundleSlugs     []string          `json:"bundleSlugs"`
	ContractCatalog map[string]string `json:"contractCatalog"`
	OpenNotes       []string          `json:"openNotes"`
}

// Build renders the full document tree. It writes nothing.
func Build(in Input, t Templates) ([]File, error) {
	byID := make(map[string]evidence.Item, len(in.Items))
	for _, item := range in.Items {
		byID[item.ID] = item
	}

	var files []File
	total := len(in.Series.Bundles)
	for i, b := range in.Series.Bundles {
		docs, err := bundleFiles(in, t, b, i+1, total, byID)
		if err != nil {
			return nil, err
		}
		files = append(files, docs...)
	}

	manifest, err := marshal(NewSeriesManifest(in))
	if err != nil {
		return nil, err
	}
	files = append(files,
		File{Path: path.Join(SeriesDir, OverviewFile), Data: []byte(overview(in, t))},
		File{Path: path.Join(SeriesDir, DigestFile), Data: []byte(Digest(DigestInput{
			Title:  in.Title,
			Run:    in.Run,
			Date:   in.Date,
			State:  gate.Finalized,
			Report: in.Report,
			Items:  in.Items,
			Series: &in.Series,
		}, t))},
		File{Path: path.Join(SeriesDir, SeriesManifestFile), Data: manifest},
	)
	log.Debug("Rendered %d files for %d bundles", len(files), total)
	return files, nil
}

// NewSeriesManifest builds the series manifest for in.
func NewSeriesManifest(in Input) SeriesManifest {
	m := SeriesManifest{
		Title:           in.Title,
		Date:            in.Date.UTC().Format(time.RFC3339),
		BundleSlugs:     in.Series.Slugs(),
		ContractCatalog: make(map[string]string, len(in.Series.Catalog)),
		OpenNotes:       []string{},
	}
	for _, c := range in.Series.Catalog {
		m.ContractCatalog[c.ID] = c.Description
	}
	for _, q := range in.Report.Questions {
		if q.NotRequired {
			m.OpenNotes = append(m.OpenNotes, fmt.Sprintf("%s marked not required: %s", q.Gap, q.Answer))
		}
	}
	for _, item := range in.Items {
		if item.Category == evidence.CategoryRisk && !item.NotRequired {
			m.OpenNotes = append(m.OpenNotes, fmt.Sprintf("Risk (%s): %s", item.ID, item.Text))
		}
	}
	return m
}

func bundleFiles(in Input, t Templates, b decompose.Bundle, position, total int, byID map[string]evidence.Item) ([]File, error) {
	others := otherSlugs(in.Series, b.Slug)
	vars := Variables{
		"title":           b.Title,
		"series":          in.Title,
		"position":        strconv.Itoa(position),
		"total":           strconv.Itoa(total),
		"estimate":        strconv.Itoa(b.LinesEstimate),
		"goal":            bundleGoal(b),
		"demo_trigger":    b.PurposeDemo.Trigger,
		"demo_expected":   b.PurposeDemo.ExpectedBehavior,
		"demo_proof":      b.PurposeDemo.ObservableProof,
		"demo_validation": b.PurposeDemo.ValidationIntent,
		"prerequisites":   contractList(b, false, "None. This change set stands alone."),
		"deliverables":    deliverableList(b),
		"trace":           traceTable(b, byID),
		"steps":           steps(b),
		"introduced":      contractList(b, true, "None."),
		"consumed":        contractList(b, false, "None."),
		"glossary":        glossary(in, b, others),
	}

	manifest, err := marshal(Manifest{
		Slug:                b.Slug,
		LinesEstimate:       b.LinesEstimate,
		Prerequisites:       b.Prerequisites,
		ContractsIntroduced: b.ContractsIntroduced,
		PurposeDemo:         b.PurposeDemo,
		OpenQuestions:       b.OpenQuestions,
		EvidenceRefs:        b.EvidenceRefs,
	})
	if err != nil {
		return nil, err
	}

	dir := path.Join(BundlesDir, b.Slug)
	return []File{
		{Path: path.Join(dir, AgentDir, "Prompt.md"), Data: []byte(Render(t.Prompt, vars))},
		{Path: path.Join(dir, AgentDir, "Plans.md"), Data: []byte(Render(t.Plans, vars))},
		{Path: path.Join(dir, AgentDir, "Implement.md"), Data: []byte(Render(t.Implement, vars))},
		{Path: path.Join(dir, AgentDir, "Documentation.md"), Data: []byte(Render(t.Documentation, vars))},
		{Path: path.Join(dir, ManifestFile), Data: manifest},
	}, nil
}

func marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func otherSlugs(s decompose.Series, self string) []string {
	var out []string
	for _, slug := range s.Slugs() {
		if slug != self {
			out = append(out, slug)
		}
	}
	return out
}

func bundleGoal(b decompose.Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deliver %d item(s) on the %s surface", len(b.Deliverables), b.Surface)
	if len(b.ContractsIntroduced) > 0 {
		fmt.Fprintf(&sb, " and expose %s", strings.Join(b.ContractsIntroduced, ", "))
	}
	sb.WriteString(".")
	return sb.String()
}

func deliverableList(b decompose.Bundle) string {
	var sb strings.Builder
	for _, d := range b.Deliverables {
		fmt.Fprintf(&sb, "- [%s] %s", d.ID, d.Text)
		if d.Infra {
			sb.WriteString(" (infrastructure)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func traceTable(b decompose.Bundle, byID map[string]evidence.Item) string {
	var sb strings.Builder
	sb.WriteString("| Evidence | Category | Source | Anchor |\n|---|---|---|---|\n")
	for _, ref := range b.EvidenceRefs {
		item := byID[ref]
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", ref, item.Category, item.SourceRef, item.Anchor)
	}
	return sb.String()
}

func steps(b decompose.Bundle) string {
	var sb strings.Builder
	n := 0
	step := func(format string, args ...any) {
		n++
		fmt.Fprintf(&sb, "%d. %s\n", n, fmt.Sprintf(format, args...))
	}
	for _, id := range b.Prerequisites {
		step("Confirm contract %s is available before starting.", id)
	}
	for _, d := range b.Deliverables {
		step("Implement %s: %s", d.ID, d.Text)
	}
	for _, id := range b.ContractsIntroduced {
		step("Expose contract %s and document its shape.", id)
	}
	step("Run the purpose demo: %s", b.PurposeDemo.Trigger)
	step("Record the observable proof: %s", b.PurposeDemo.ObservableProof)
	return sb.String()
}

func contractList(b decompose.Bundle, introduced bool, empty string) string {
	var sb strings.Builder
	for _, c := range b.Contracts {
		if c.Introduced != introduced {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = "(no description recorded)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.ID, desc)
	}
	if sb.Len() == 0 {
		return empty
	}
	return sb.String()
}

// glossary lists terms used in the bundle's own content, skipping any entry
// that would mention another bundle.
func glossary(in Input, b decompose.Bundle, others []string) string {
	content := strings.ToLower(b.Content())
	var sb strings.Builder
	for _, item := range in.Items {
		if item.Category != evidence.CategoryGlossaryTerm || item.NotRequired {
			continue
		}
		term, _, _ := strings.Cut(item.Text, ":")
		term = strings.TrimSpace(term)
		if term == "" || !strings.Contains(content, strings.ToLower(term)) {
			continue
		}
		if mentionsAny(item.Text, others) {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", item.Text)
	}
	if sb.Len() == 0 {
		return ""
	}
	return "## Glossary\n" + sb.String()
}

func mentionsAny(text string, slugs []string) bool {
	for _, s := range slugs {
		if decompose.MentionsSlug(text, s) {
			return true
		}
	}
	return false
}

func overview(in Input, t Templates) string {
	var seq strings.Builder
	for i, b := range in.Series.Bundles {
		fmt.Fprintf(&seq, "%d. `%s` %s (%d lines)\n", i+1, b.Slug, b.Title, b.LinesEstimate)
	}
	var cat strings.Builder
	if len(in.Series.Catalog) == 0 {
		cat.WriteString("No contracts.\n")
	} else {
		cat.WriteString("| Contract | Introduced by | Consumed by | Description |\n|---|---|---|---|\n")
		for _, c := range in.Series.Catalog {
			consumed := strings.Join(c.ConsumedBy, ", ")
			if c.Terminal {
				consumed = strings.TrimPrefix(consumed+", (terminal)", ", ")
			}
			fmt.Fprintf(&cat, "| %s | %s | %s | %s |\n", c.ID, c.IntroducedBy, consumed, c.Description)
		}
	}

	var notes strings.Builder
	for _, n := range NewSeriesManifest(in).OpenNotes {
		fmt.Fprintf(&notes, "- %s\n", n)
	}
	return Render(t.Overview, Variables{
		"title":       in.Title,
		"date":        in.Date.UTC().Format(time.RFC3339),
		"run":         in.Run,
		"goals":       section("Goals", contextOf(in, evidence.CategoryGoal)),
		"sequence":    seq.String(),
		"catalog":     cat.String(),
		"constraints": section("Constraints", contextOf(in, evidence.CategoryConstraint)),
		"nongoals":    section("Non-goals", contextOf(in, evidence.CategoryNonGoal)),
		"risks":       section("Risks", contextOf(in, evidence.CategoryRisk)),
		"notes":       sectionText("Open Notes", notes.String()),
	})
}

func contextOf(in Input, cat evidence.Category) []evidence.Item {
	if in.Plan != nil {
		return in.Plan.ContextOf(cat)
	}
	var out []evidence.Item
	for _, item := range in.Items {
		if item.Category == cat {
			out = append(out, item)
		}
	}
	return out
}

func section(title string, items []evidence.Item) string {
	var sb strings.Builder
	for _, item := range items {
		if item.NotRequired {
			continue
		}
		fmt.Fprintf(&sb, "- %s", item.Text)
		if item.Strength != "" {
			fmt.Fprintf(&sb, " (%s)", item.Strength)
		}
		fmt.Fprintf(&sb, " [%s]\n", item.ID)
	}
	return sectionText(title, sb.String())
}

func sectionText(title, body string) string {
	if body == "" {
		return ""
	}
	return "## " + title + "\n" + body
}
