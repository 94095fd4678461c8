// Package interview runs the question rounds that close evidence gaps:
// choosing the next round, turning answers into evidence, and the three ways
// answers arrive (answer files, the terminal form, and the MCP server).
package interview

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("interview")

// Round size bounds.
const (
	DefaultRoundMin = 8
	DefaultRoundMax = 15
)

// AnswerSource is the SourceRef of every answer item.
const AnswerSource = "interview"

var (
	// ErrEmptyAnswer rejects blank or placeholder answers.
	ErrEmptyAnswer = errors.New("answer is empty or a placeholder")
	// ErrNotAsked rejects answers to questions outside the round.
	ErrNotAsked = errors.New("question was not asked in this round")
)

// Round is one batch of questions put to the user.
type Round struct {
	Number    int             `json:"round"`
	Questions []gaps.Question `json:"questions"`
}

// IDs returns the question IDs of the round.
func (r Round) IDs() []string {
	ids := make([]string, len(r.Questions))
	for i, q := range r.Questions {
		ids[i] = q.ID
	}
	return ids
}

// NextRound returns the open questions of report in order, at most max of
// them. No open question is held back below max, so a round reaches min
// whenever that many are open and holds fewer only when fewer remain; min
// itself only raises a max set below it.
func NextRound(report gaps.Report, min, max int) []gaps.Question {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	open := report.Open()
	if len(open) > max {
		open = open[:max]
	}
	return open
}

// Answer is one reply. For a not-required determination Text holds the reason.
type Answer struct {
	QuestionID  string `json:"questionId"`
	Text        string `json:"answer"`
	NotRequired bool   `json:"notRequired,omitempty"`
}

// ParseAnswer reads the "not-required: <reason>" shorthand.
func ParseAnswer(questionID, text string) Answer {
	a := Answer{QuestionID: questionID, Text: strings.TrimSpace(text)}
	if rest, ok := cutPrefixFold(a.Text, "not-required:"); ok {
		a.NotRequired = true
		a.Text = strings.TrimSpace(rest)
	}
	return a
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// Rejection is an answer that was not recorded.
type Rejection struct {
	QuestionID string `json:"questionId"`
	Reason     string `json:"reason"`
}

// Result reports what Resolve recorded.
type Result struct {
	// Accepted lists the questions that received an answer, in answer order.
	Accepted []string `json:"accepted"`
	// Recorded lists the evidence IDs of the answer items.
	Recorded []string    `json:"recorded"`
	Rejected []Rejection `json:"rejected"`
	// Pending lists the round's questions still without an answer.
	Pending []string `json:"pending"`
}

// Resolve records each valid answer as an evidence item shaped to satisfy
// its question's dimension, anchored answer/<questionID>/r<round>. Invalid
// answers are rejected and never defaulted. The returned error is a store
// failure; rejections are reported in the result.
func Resolve(store *evidence.Store, questions []gaps.Question, answers []Answer, round int) (Result, error) {
	asked := make(map[string]gaps.Question, len(questions))
	for _, q := range questions {
		asked[q.ID] = q
	}

	res := Result{Accepted: []string{}, Recorded: []string{}, Rejected: []Rejection{}, Pending: []string{}}
	for _, a := range answers {
		q, ok := asked[a.QuestionID]
		if !ok {
			res.Rejected = append(res.Rejected, reject(a.QuestionID, ErrNotAsked))
			continue
		}
		text := strings.TrimSpace(a.Text)
		if evidence.IsPlaceholder(text) {
			res.Rejected = append(res.Rejected, reject(a.QuestionID, ErrEmptyAnswer))
			continue
		}

		item := AnswerItem(q, text, a.NotRequired, round)
		id, err := store.Record(item)
		if err != nil {
			return res, fmt.Errorf("recording answer to %s: %w", q.ID, err)
		}
		log.Debug("Recorded %s for %s (not required: %v)", id, q.ID, a.NotRequired)
		res.Recorded = append(res.Recorded, id)
		if !slices.Contains(res.Accepted, q.ID) {
			res.Accepted = append(res.Accepted, q.ID)
		}
	}
	for _, q := range questions {
		if !slices.Contains(res.Accepted, q.ID) {
			res.Pending = append(res.Pending, q.ID)
		}
	}
	log.Info("Round %d: %d answers recorded, %d rejected, %d pending", round, len(res.Recorded), len(res.Rejected), len(res.Pending))
	return res, nil
}

// AnswerItem builds the evidence item for an answer to q.
func AnswerItem(q gaps.Question, text string, notRequired bool, round int) evidence.Item {
	dim := q.Gap
	if dim == "" {
		dim, _ = gaps.DimensionOf(q.ID)
	}
	cat, facets := gaps.AnswerShape(dim)
	return evidence.Item{
		Category:    cat,
		Text:        text,
		Anchor:      fmt.Sprintf("answer/%s/r%d", q.ID, round),
		SourceRef:   AnswerSource,
		Facets:      facets,
		Resolves:    q.ID,
		NotRequired: notRequired,
		Round:       round,
	}
}

func reject(qid string, err error) Rejection {
	return Rejection{QuestionID: qid, Reason: err.Error()}
}
