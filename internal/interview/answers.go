package interview

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

// AnswerFile is the on-disk answer format. It is JSON with comments and
// trailing commas allowed:
//
//	{
//	  "round": 2,
//	  "answers": {
//	    "Q-constraints": "Must run on the existing Postgres 15 cluster",
//	    "Q-operational-expectations": {"notRequired": "batch tool, no uptime target"},
//	  },
//	}
type AnswerFile struct {
	Round   int                        `json:"round"`
	Answers map[string]json.RawMessage `json:"answers"`
}

type waiver struct {
	NotRequired string `json:"notRequired"`
}

// ParseAnswers decodes an answer file. Answers left as empty strings are
// skipped so a partly filled template can be submitted; everything else is
// passed on for Resolve to accept or reject. Answers are returned sorted by
// question ID.
func ParseAnswers(data []byte) (int, []Answer, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing answer file: %w", err)
	}
	var f AnswerFile
	if err := json.Unmarshal(std, &f); err != nil {
		return 0, nil, fmt.Errorf("decoding answer file: %w", err)
	}

	ids := make([]string, 0, len(f.Answers))
	for id := range f.Answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var answers []Answer
	for _, id := range ids {
		raw := f.Answers[id]
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if strings.TrimSpace(text) == "" {
				continue
			}
			answers = append(answers, ParseAnswer(id, text))
			continue
		}
		var w waiver
		if err := json.Unmarshal(raw, &w); err != nil {
			return 0, nil, fmt.Errorf("answer to %s must be a string or {\"notRequired\": \"reason\"}", id)
		}
		answers = append(answers, Answer{QuestionID: id, Text: strings.TrimSpace(w.NotRequired), NotRequired: true})
	}
	return f.Round, answers, nil
}

// ReadAnswers reads and decodes an answer file.
func ReadAnswers(path string) (int, []Answer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("reading answer file: %w", err)
	}
	return ParseAnswers(data)
}

// Template renders a commented answer file for r, one empty answer per
// question.
func Template(r Round) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "// Interview round %d: %d question(s).\n", r.Number, len(r.Questions))
	b.WriteString("// Replace each \"\" with your answer, or with {\"notRequired\": \"reason\"}\n")
	b.WriteString("// when the gap does not apply. Empty answers are left open.\n")
	b.WriteString("{\n")
	fmt.Fprintf(&b, "  \"round\": %d,\n", r.Number)
	b.WriteString("  \"answers\": {\n")
	for i, q := range r.Questions {
		if i > 0 {
			b.WriteString("\n")
		}
		comment(&b, q.Text)
		comment(&b, "Why it matters: "+q.ImpactNote)
		if len(q.EvidenceRefs) > 0 {
			comment(&b, "Nearest evidence: "+strings.Join(q.EvidenceRefs, ", "))
		}
		fmt.Fprintf(&b, "    %s: \"\",\n", strconv.Quote(q.ID))
	}
	b.WriteString("  },\n}\n")
	return []byte(b.String())
}

func comment(b *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(b, "    // %s\n", strings.TrimSpace(line))
	}
}
