package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/gate"
)

// DigestInput is the state summarized by a ContextDigest.
type DigestInput struct {
	Title      string
	Run        string
	Date       time.Time
	State      gate.State
	Halt       *gate.HaltError
	Report     gaps.Report
	Items      []evidence.Item
	Series     *decompose.Series
	Violations []string
}

// Digest renders the ContextDigest. On halt it is printed instead of writing
// any artifact, so it names every unresolved item.
func Digest(in DigestInput, t Templates) string {
	return Render(t.Digest, Variables{
		"title":      in.Title,
		"run":        in.Run,
		"state":      digestState(in),
		"date":       in.Date.UTC().Format(time.RFC3339),
		"halt":       haltSection(in.Halt),
		"evidence":   evidenceSummary(in.Items),
		"questions":  questionSection(in.Report),
		"blockers":   blockerSection(in.Report),
		"violations": listSection("Violations", in.Violations),
		"series":     seriesSection(in.Series),
	})
}

func digestState(in DigestInput) string {
	if in.Halt != nil {
		return fmt.Sprintf("%s(%s)", gate.Halted, in.Halt.Reason)
	}
	return string(in.State)
}

func haltSection(h *gate.HaltError) string {
	if h == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Halted: %s\n%s\n", h.Reason, h.Kind)
	if h.Cause != nil {
		fmt.Fprintf(&sb, "\nCause: %v\n", h.Cause)
	}
	if len(h.Details) > 0 {
		sb.WriteString("\nUnresolved:\n")
		for _, d := range h.Details {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	return sb.String()
}

func evidenceSummary(items []evidence.Item) string {
	counts := make(map[evidence.Category]int)
	answers := 0
	for _, item := range items {
		counts[item.Category]++
		if item.IsAnswer() {
			answers++
		}
	}
	var sb strings.Builder
	sb.WriteString("| Category | Items |\n|---|---|\n")
	for _, cat := range evidence.Categories {
		fmt.Fprintf(&sb, "| %s | %d |\n", cat, counts[cat])
	}
	fmt.Fprintf(&sb, "\n%d items, %d from interview answers.\n", len(items), answers)
	return sb.String()
}

func questionSection(r gaps.Report) string {
	open := r.Open()
	if len(open) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Open Questions\n")
	for _, q := range open {
		fmt.Fprintf(&sb, "- **%s** %s\n  - Impact: %s\n  - Evidence: %s\n", q.ID, q.Text, q.ImpactNote, strings.Join(q.EvidenceRefs, ", "))
	}
	return sb.String()
}

func blockerSection(r gaps.Report) string {
	if len(r.Blockers) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Blockers\n")
	for _, b := range r.Blockers {
		fmt.Fprintf(&sb, "- %s [%s] %s\n", b.ID, b.Status, b.Description)
	}
	return sb.String()
}

func listSection(title string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "- %s\n", l)
	}
	return sectionText(title, sb.String())
}

func seriesSection(s *decompose.Series) string {
	if s == nil || len(s.Bundles) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range s.Bundles {
		fmt.Fprintf(&sb, "%d. %s (%d lines, %d deliverables)\n", i+1, b.Slug, b.LinesEstimate, len(b.Deliverables))
	}
	for _, inf := range s.Infeasible {
		fmt.Fprintf(&sb, "- infeasible: %s estimated at %d lines\n", inf.Unit, inf.Estimate)
	}
	return sectionText("Candidate Series", sb.String())
}
