package gaps

import (
	"strings"
	"sync"

	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("gaps")

// BlockerStatus is the resolution state of a Blocker.
type BlockerStatus string

const (
	BlockerOpen     BlockerStatus = "Open"
	BlockerResolved BlockerStatus = "Resolved"
)

// Question asks for the evidence missing from one checklist dimension.
type Question struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	EvidenceRefs []string  `json:"evidenceRefs"`
	Gap          Dimension `json:"gap"`
	ImpactNote   string    `json:"impactNote"`
	// Answer is the recorded answer text, or the reason when NotRequired.
	Answer      string `json:"answer,omitempty"`
	NotRequired bool   `json:"notRequired,omitempty"`
	// ResolvedBy is the evidence item that answered the question.
	ResolvedBy string `json:"resolvedBy,omitempty"`
	// ResolvedAt is the interview round the answer was recorded in.
	ResolvedAt int `json:"resolvedAt,omitempty"`
}

// Answered reports whether an answer or waiver has been recorded.
func (q Question) Answered() bool {
	return q.ResolvedBy != ""
}

// Blocker gates planning until its questions are answered.
type Blocker struct {
	ID                 string        `json:"id"`
	Description        string        `json:"description"`
	RelatedQuestionIDs []string      `json:"relatedQuestionIds"`
	Status             BlockerStatus `json:"status"`
}

// Report is the output of one gap computation.
type Report struct {
	Questions []Question `json:"questions"`
	Blockers  []Blocker  `json:"blockers"`
}

// Open returns the unanswered questions in report order.
func (r Report) Open() []Question {
	var out []Question
	for _, q := range r.Questions {
		if !q.Answered() {
			out = append(out, q)
		}
	}
	return out
}

// OpenBlockers returns the blockers still Open.
func (r Report) OpenBlockers() []Blocker {
	var out []Blocker
	for _, b := range r.Blockers {
		if b.Status == BlockerOpen {
			out = append(out, b)
		}
	}
	return out
}

// Resolved reports whether every blocker is Resolved.
func (r Report) Resolved() bool {
	return len(r.OpenBlockers()) == 0
}

// Question returns the question with the given ID.
func (r Report) Question(id string) (Question, bool) {
	for _, q := range r.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// QuestionID returns the question ID for a checklist dimension.
func QuestionID(dim Dimension) string {
	return "Q-" + string(dim)
}

// ContradictionQuestionID returns the question ID for a contradicting item.
func ContradictionQuestionID(itemID string) string {
	return "Q-" + string(DimContradictions) + "-" + itemID
}

// DimensionOf returns the dimension a question ID belongs to.
func DimensionOf(questionID string) (Dimension, bool) {
	rest, ok := strings.CutPrefix(questionID, "Q-")
	if !ok {
		return "", false
	}
	for _, dim := range Checklist {
		if rest == string(dim) || (dim == DimContradictions && strings.HasPrefix(rest, string(dim)+"-")) {
			return dim, true
		}
	}
	return "", false
}

func blockerID(questionID string) string {
	return "B-" + strings.TrimPrefix(questionID, "Q-")
}

// Tracker runs gap computations and remembers the latest report.
type Tracker struct {
	mu   sync.Mutex
	runs int
	last Report
}

// NewTracker creates a tracker that has not yet run.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Compute recomputes the gaps for store and records the result.
func (t *Tracker) Compute(store *evidence.Store) Report {
	report := ComputeGaps(store)
	t.mu.Lock()
	t.runs++
	t.last = report
	t.mu.Unlock()
	log.Debug("Gap run %d: %d questions, %d open blockers", t.runs, len(report.Questions), len(report.OpenBlockers()))
	return report
}

// Runs returns how many computations have completed.
func (t *Tracker) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Last returns the most recent report.
func (t *Tracker) Last() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// ComputeGaps compares store against the checklist. It is a pure function of
// the store contents: an unchanged store yields an identical report.
func ComputeGaps(store *evidence.Store) Report {
	items := store.Items()
	var report Report
	for _, dim := range Checklist {
		if dim == DimContradictions {
			for _, q := range contradictionQuestions(items) {
				report.add(q)
			}
			continue
		}
		if q, ok := dimensionQuestion(dim, items); ok {
			report.add(q)
		}
	}
	return report
}

func (r *Report) add(q Question) {
	status := BlockerOpen
	if q.Answered() {
		status = BlockerResolved
	}
	r.Questions = append(r.Questions, q)
	r.Blockers = append(r.Blockers, Blocker{
		ID:                 blockerID(q.ID),
		Description:        q.ImpactNote,
		RelatedQuestionIDs: []string{q.ID},
		Status:             status,
	})
}

func dimensionQuestion(dim Dimension, items []evidence.Item) (Question, bool) {
	spec := specs[dim]
	qid := QuestionID(dim)

	satisfied := false
	for _, item := range items {
		if spec.satisfies(dim, item) {
			satisfied = true
			break
		}
	}
	answer, answered := latestAnswer(qid, items)
	if answered && answer.NotRequired {
		satisfied = true
	}

	switch {
	case satisfied && answered:
	case satisfied:
		return Question{}, false
	default:
		// An answer that did not satisfy the dimension leaves it open.
		answered = false
	}

	q := Question{
		ID:           qid,
		Text:         spec.prompt,
		EvidenceRefs: nearestRefs(dim, spec, items),
		Gap:          dim,
		ImpactNote:   spec.impact,
	}
	if answered {
		resolve(&q, answer)
	}
	return q, true
}

func contradictionQuestions(items []evidence.Item) []Question {
	spec := specs[DimContradictions]
	var out []Question
	for _, item := range items {
		if item.Note == "" || item.IsAnswer() {
			continue
		}
		qid := ContradictionQuestionID(item.ID)
		q := Question{
			ID:           qid,
			Text:         spec.prompt + " " + item.Note,
			EvidenceRefs: anchorPeers(item, items),
			Gap:          DimContradictions,
			ImpactNote:   spec.impact,
		}
		if answer, ok := latestAnswer(qid, items); ok {
			resolve(&q, answer)
		}
		out = append(out, q)
	}
	return out
}

func resolve(q *Question, answer evidence.Item) {
	q.Answer = answer.Text
	q.NotRequired = answer.NotRequired
	q.ResolvedBy = answer.ID
	q.ResolvedAt = answer.Round
}

// latestAnswer returns the last concrete answer recorded for qid.
func latestAnswer(qid string, items []evidence.Item) (evidence.Item, bool) {
	var found evidence.Item
	ok := false
	for _, item := range items {
		if item.Resolves != qid {
			continue
		}
		if !item.NotRequired && evidence.IsPlaceholder(item.Text) {
			continue
		}
		found, ok = item, true
	}
	return found, ok
}

// nearestRefs cites the first related non-answer items, falling back to the
// checklist dimension itself.
func nearestRefs(dim Dimension, spec dimensionSpec, items []evidence.Item) []string {
	var refs []string
	for _, item := range items {
		if item.IsAnswer() || !spec.related(item) {
			continue
		}
		refs = append(refs, item.ID)
		if len(refs) == maxRefsPerQuestion {
			break
		}
	}
	if len(refs) == 0 {
		refs = []string{checklistRefPrefix + string(dim)}
	}
	return refs
}

func anchorPeers(item evidence.Item, items []evidence.Item) []string {
	var refs []string
	for _, other := range items {
		if other.Anchor == item.Anchor && !other.IsAnswer() {
			refs = append(refs, other.ID)
		}
	}
	return refs
}

// IsChecklistRef reports whether ref points at a checklist dimension rather
// than an evidence item.
func IsChecklistRef(ref string) bool {
	return strings.HasPrefix(ref, checklistRefPrefix)
}
