// Package collab defines the text-understanding collaborator: turning source
// documents into evidence records and phrasing gap questions for people. The
// built-in Markdown extractor and DefaultPhraser need no external process; a
// .bundlr.collab.yml file swaps either one for a shell command.
package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("collab")

// Source is one input document. Ref addresses it and prefixes every anchor
// extracted from it.
type Source struct {
	Ref     string
	Text    []byte
	Primary bool
}

// Extraction is what an extractor found in a source. Items carry no IDs; the
// evidence store assigns them on record.
type Extraction struct {
	Title string          `json:"title,omitempty"`
	Items []evidence.Item `json:"items"`
}

// Extractor turns a document into evidence records.
type Extractor interface {
	Extract(ctx context.Context, src Source) (Extraction, error)
}

// Phraser rewrites a question for a human reader.
type Phraser interface {
	Phrase(ctx context.Context, q gaps.Question) (string, error)
}

// DefaultPhraser returns the tracker's own wording.
type DefaultPhraser struct{}

func (DefaultPhraser) Phrase(_ context.Context, q gaps.Question) (string, error) {
	return q.Text, nil
}

// Collaborator pairs an extractor with a phraser.
type Collaborator struct {
	Extractor Extractor
	Phraser   Phraser
}

// Default returns the built-in collaborator.
func Default() Collaborator {
	return Collaborator{Extractor: Markdown{}, Phraser: DefaultPhraser{}}
}

// Load returns the collaborator configured in workDir, falling back to the
// built-in one for anything .bundlr.collab.yml leaves unset.
func Load(workDir string) (Collaborator, error) {
	c := Default()
	cfg, err := LoadConfig(workDir)
	if err != nil {
		return Collaborator{}, err
	}
	if cfg == nil {
		return c, nil
	}
	if cfg.Extract != nil && cfg.Extract.Command != "" {
		c.Extractor = &CommandExtractor{Hook: cfg.Extract, WorkDir: workDir}
	}
	if cfg.Phrase != nil && cfg.Phrase.Command != "" {
		c.Phraser = &CommandPhraser{Hook: cfg.Phrase, WorkDir: workDir}
	}
	return c, nil
}

// PhraseAll returns qs with each question's text replaced by p's wording.
// An empty phrasing keeps the original text.
func PhraseAll(ctx context.Context, p Phraser, qs []gaps.Question) ([]gaps.Question, error) {
	out := make([]gaps.Question, len(qs))
	for i, q := range qs {
		text, err := p.Phrase(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("phrasing %s: %w", q.ID, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			q.Text = text
		}
		out[i] = q
	}
	return out, nil
}
