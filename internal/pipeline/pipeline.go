// Package pipeline drives one run through the gate: ingest, interview
// rounds, planning, decomposition with validator feedback, and the single
// artifact write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/bundlr/internal/artifact"
	"github.com/mark3labs/bundlr/internal/collab"
	"github.com/mark3labs/bundlr/internal/config"
	"github.com/mark3labs/bundlr/internal/decompose"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/gate"
	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/mark3labs/bundlr/internal/plan"
	"github.com/mark3labs/bundlr/internal/validate"
)

var log = logger.Named("pipeline")

// ErrNoOpenQuestions is returned when answers are submitted but no question is open.
var ErrNoOpenQuestions = errors.New("no open questions")

// Options holds configuration for a pipeline.
type Options struct {
	Run           string                  // Run name, used in the journal and digest
	Title         string                  // Series title (optional, falls back to the source title)
	OutputDir     string                  // Root holding BUNDLES/ and BUNDLE_SERIES/
	TemplateDir   string                  // Directory of template overrides (optional)
	Budget        int                     // Per-bundle line budget
	Estimator     decompose.Estimator     // Line estimator
	MaxRetries    int                     // Validation feedback loops before halting (zero uses the default)
	MaxIdleRounds int                     // Rounds without answers before halting
	RoundMin      int                     // Smallest round unless fewer questions remain
	RoundMax      int                     // Largest round
	Collaborator  collab.Collaborator     // Extractor and phraser
	Now           func() time.Time        // Clock for dates (defaults to time.Now)
	WriterOptions []artifact.WriterOption // Extra artifact writer options
}

// OptionsFromConfig maps configuration onto pipeline options, loading the
// collaborator configured in workDir.
func OptionsFromConfig(cfg *config.Config, workDir string) (Options, error) {
	c, err := collab.Load(workDir)
	if err != nil {
		return Options{}, fmt.Errorf("loading collaborator: %w", err)
	}
	return Options{
		Run:         cfg.Run,
		Title:       cfg.Title,
		OutputDir:   cfg.OutputDir,
		TemplateDir: cfg.TemplateDir,
		Budget:      cfg.Budget,
		Estimator: decompose.WeightedEstimator{
			Base:           cfg.Estimator.Base,
			PerDeliverable: cfg.Estimator.PerDeliverable,
			PerContract:    cfg.Estimator.PerContract,
		},
		MaxRetries:    cfg.MaxRetries,
		MaxIdleRounds: cfg.MaxIdleRounds,
		RoundMin:      cfg.RoundMin,
		RoundMax:      cfg.RoundMax,
		Collaborator:  c,
	}, nil
}

func (o *Options) setDefaults() {
	d := config.Default()
	if o.Run == "" {
		o.Run = d.Run
	}
	if o.OutputDir == "" {
		o.OutputDir = d.OutputDir
	}
	if o.Budget <= 0 {
		o.Budget = d.Budget
	}
	if o.Estimator == nil {
		o.Estimator = decompose.DefaultEstimator()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.MaxIdleRounds <= 0 {
		o.MaxIdleRounds = d.MaxIdleRounds
	}
	if o.RoundMin <= 0 {
		o.RoundMin = d.RoundMin
	}
	if o.RoundMax <= 0 {
		o.RoundMax = d.RoundMax
	}
	if o.Collaborator.Extractor == nil {
		o.Collaborator.Extractor = collab.Markdown{}
	}
	if o.Collaborator.Phraser == nil {
		o.Collaborator.Phraser = collab.DefaultPhraser{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// BuildResult describes a finalized series.
type BuildResult struct {
	Series       decompose.Series
	Files        []string
	ManifestDiff string
}

// Pipeline owns one run's evidence, gap tracker and gate. Every operation is
// serialized behind one lock, so the store has a single writer.
type Pipeline struct {
	mu         sync.Mutex
	opts       Options
	journal    *evidence.Journal // nil keeps the run in memory
	store      *evidence.Store
	rounds     []evidence.Round
	meta       evidence.Meta
	tracker    *gaps.Tracker
	gate       *gate.Gate
	templates  artifact.Templates
	series     *decompose.Series
	violations []string
}

// New creates a pipeline. With a journal the run's evidence and round history
// are replayed from it and every later append is journaled; a nil journal
// keeps everything in memory.
func New(ctx context.Context, opts Options, journal *evidence.Journal) (*Pipeline, error) {
	opts.setDefaults()

	templates, err := artifact.LoadTemplates(opts.TemplateDir)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		opts:      opts,
		journal:   journal,
		tracker:   gaps.NewTracker(),
		templates: templates,
	}
	if journal != nil {
		store, rounds, err := journal.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", opts.Run, err)
		}
		p.store, p.rounds, p.meta = store, rounds, journal.Meta()
	} else {
		p.store = evidence.NewStore()
	}

	p.gate = gate.New(
		gate.WithMaxRetries(opts.MaxRetries),
		gate.WithMaxIdleRounds(opts.MaxIdleRounds),
		gate.WithIdleRounds(idleRounds(p.rounds)),
	)
	log.Info("Pipeline for run %s: %d items, %d rounds", opts.Run, p.store.Len(), len(p.rounds))
	return p, nil
}

// idleRounds counts the trailing rounds that accepted no answer.
func idleRounds(rounds []evidence.Round) int {
	n := 0
	for i := len(rounds) - 1; i >= 0 && rounds[i].Accepted == 0; i-- {
		n++
	}
	return n
}

// Gate returns the run's gate.
func (p *Pipeline) Gate() *gate.Gate {
	return p.gate
}

// Store returns the run's evidence store.
func (p *Pipeline) Store() *evidence.Store {
	return p.store
}

// Rounds returns the completed interview rounds.
func (p *Pipeline) Rounds() []evidence.Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.rounds)
}

// Title returns the series title: the configured one, else the title of the
// primary source, else the run name.
func (p *Pipeline) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title()
}

func (p *Pipeline) title() string {
	switch {
	case p.opts.Title != "":
		return p.opts.Title
	case p.meta.Title != "":
		return p.meta.Title
	default:
		return p.opts.Run
	}
}

// active returns the halt when the gate has already stopped.
func (p *Pipeline) active() error {
	if h := p.gate.Halt(); h != nil {
		return h
	}
	if p.gate.State() == gate.Finalized {
		return fmt.Errorf("%w: run already finalized", gate.ErrInvalidTransition)
	}
	return nil
}

// Ingest extracts evidence from sources and records it. Re-ingesting the
// same sources records nothing new. An anchor conflict halts the run.
func (p *Pipeline) Ingest(ctx context.Context, sources []collab.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.active(); err != nil {
		return err
	}

	var meta evidence.Meta
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return p.gate.Cancel(err)
		}
		ex, err := p.opts.Collaborator.Extractor.Extract(ctx, src)
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", src.Ref, err)
		}
		recorded := 0
		for _, item := range ex.Items {
			if item.SourceRef == "" {
				item.SourceRef = src.Ref
			}
			before := p.store.Len()
			if _, err := p.store.Record(item); err != nil {
				var conflict *evidence.ConflictError
				if errors.As(err, &conflict) {
					return p.gate.Fail(gate.ErrEvidenceConflict, err, conflict.Anchor, conflict.Existing.ID)
				}
				return fmt.Errorf("failed to record evidence from %s: %w", src.Ref, err)
			}
			if p.store.Len() > before {
				recorded++
			}
		}
		log.Info("Ingested %s: %d items extracted, %d new", src.Ref, len(ex.Items), recorded)

		meta.Sources = append(meta.Sources, src.Ref)
		if src.Primary && ex.Title != "" && meta.Title == "" {
			meta.Title = ex.Title
		}
	}
	if len(meta.Sources) == 0 {
		return nil
	}
	if p.journal != nil {
		if err := p.journal.AppendMeta(ctx, meta); err != nil {
			return fmt.Errorf("failed to journal run metadata: %w", err)
		}
		p.meta = p.journal.Meta()
		return nil
	}
	if meta.Title != "" {
		p.meta.Title = meta.Title
	}
	for _, src := range meta.Sources {
		if !slices.Contains(p.meta.Sources, src) {
			p.meta.Sources = append(p.meta.Sources, src)
		}
	}
	return nil
}

// interview recomputes the gaps and, on first use, opens the interview.
func (p *Pipeline) interview() gaps.Report {
	report := p.tracker.Compute(p.store)
	if p.gate.State() == gate.Investigating {
		if err := p.gate.BeginInterview(p.tracker); err != nil {
			log.Error("Failed to open interview: %v", err)
		}
	}
	return report
}

// Report returns the current gap report.
func (p *Pipeline) Report() gaps.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Compute(p.store)
}

// Pending returns the next round of open questions, phrased for people.
// An empty round means nothing is left to ask.
func (p *Pipeline) Pending(ctx context.Context) (interview.Round, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.active(); err != nil {
		return interview.Round{}, err
	}
	return p.pending(ctx)
}

func (p *Pipeline) pending(ctx context.Context) (interview.Round, error) {
	report := p.interview()
	qs := interview.NextRound(report, p.opts.RoundMin, p.opts.RoundMax)
	qs, err := collab.PhraseAll(ctx, p.opts.Collaborator.Phraser, qs)
	if err != nil {
		return interview.Round{}, err
	}
	return interview.Round{Number: len(p.rounds) + 1, Questions: qs}, nil
}

// Submit records answers against the current round, journals the round and
// re-enters AwaitingAnswers. A round that accepts nothing counts toward the
// idle limit; reaching it halts with no-progress.
func (p *Pipeline) Submit(ctx context.Context, answers []interview.Answer) (interview.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.active(); err != nil {
		return interview.Result{}, err
	}

	round, err := p.pending(ctx)
	if err != nil {
		return interview.Result{}, err
	}
	if len(round.Questions) == 0 {
		return interview.Result{}, ErrNoOpenQuestions
	}

	res, err := interview.Resolve(p.store, round.Questions, answers, round.Number)
	if err != nil {
		return res, fmt.Errorf("failed to record answers: %w", err)
	}
	for _, r := range res.Rejected {
		log.Warn("Rejected answer to %s: %s", r.QuestionID, r.Reason)
	}

	entry := evidence.Round{
		Number:   round.Number,
		Asked:    round.IDs(),
		Accepted: len(res.Accepted),
		At:       p.opts.Now(),
	}
	if p.journal != nil {
		if err := p.journal.AppendRound(ctx, entry); err != nil {
			return res, fmt.Errorf("failed to journal round %d: %w", round.Number, err)
		}
	}
	p.rounds = append(p.rounds, entry)

	report := p.tracker.Compute(p.store)
	res.Pending = nil
	for _, q := range report.Open() {
		res.Pending = append(res.Pending, q.ID)
	}
	if res.Pending == nil {
		res.Pending = []string{}
	}
	log.Info("Round %d: %d accepted, %d rejected, %d open", round.Number, len(res.Accepted), len(res.Rejected), len(res.Pending))
	return res, p.gate.RecordRound(len(res.Accepted), res.Pending)
}

// Build applies the blocker gate, derives the plan, decomposes it under
// validator feedback and writes the document tree on entry to Finalized.
// Any halt returns a *gate.HaltError and writes nothing.
func (p *Pipeline) Build(ctx context.Context) (*BuildResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.active(); err != nil {
		return nil, err
	}

	report := p.interview()
	if err := p.gate.AdmitPlanning(report, false); err != nil {
		return nil, err
	}

	title := p.title()
	pl, err := plan.Derive(p.store, title)
	if err != nil {
		return nil, p.gate.Fail(gate.ErrEvidenceConflict, err)
	}
	if err := p.gate.BeginDecomposing(pl.Trace(p.store)); err != nil {
		return nil, err
	}

	dc := decompose.New(p.opts.Estimator, p.opts.Budget)
	v := validate.New(p.opts.Budget)
	var fb decompose.Feedback
	var series decompose.Series
	var files []artifact.File
	for {
		if err := ctx.Err(); err != nil {
			return nil, p.gate.Cancel(err)
		}
		series = dc.Decompose(pl, fb)
		p.series = &series
		if err := p.gate.SubmitCandidate(series.InfeasibleUnits()); err != nil {
			return nil, err
		}

		vs := v.Validate(series)
		if len(vs) == 0 {
			// The structure is sound; check the documents that would be written.
			files, err = artifact.Build(artifact.Input{
				Title:  title,
				Run:    p.opts.Run,
				Date:   p.opts.Now(),
				Plan:   pl,
				Series: series,
				Report: report,
				Items:  p.store.Items(),
			}, p.templates)
			if err != nil {
				return nil, p.gate.Fail(gate.ErrWriteFailed, err)
			}
			vs = validate.Rendered(series, bundleDocuments(files))
		}
		p.violations = validate.Strings(vs)
		next := validate.Feedback(vs, series)
		if len(vs) > 0 && p.gate.Retries() > 0 && fb.Covers(next) {
			// A loop back already happened and nothing new can be fed back.
			return nil, p.gate.Fail(gate.ErrValidationViolation,
				fmt.Errorf("re-decomposition cannot address the remaining violations"), p.violations...)
		}
		retry, err := p.gate.Review(p.violations)
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
		fb = fb.Merge(next)
	}

	var written artifact.Result
	writer := artifact.NewWriter(p.opts.OutputDir, p.opts.WriterOptions...)
	if err := p.gate.Finalize(func() error {
		var err error
		written, err = writer.Write(ctx, files)
		return err
	}); err != nil {
		return nil, err
	}
	log.Info("Finalized run %s: %d bundles", p.opts.Run, len(series.Bundles))
	return &BuildResult{Series: series, Files: written.Files, ManifestDiff: written.ManifestDiff}, nil
}

// Run ingests sources, submits answers when any are given, and builds.
func (p *Pipeline) Run(ctx context.Context, sources []collab.Source, answers []interview.Answer) (*BuildResult, error) {
	if err := p.Ingest(ctx, sources); err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if _, err := p.Submit(ctx, answers); err != nil && !errors.Is(err, ErrNoOpenQuestions) {
			return nil, err
		}
	}
	return p.Build(ctx)
}

// Reset discards the run's journal and starts over with an empty store.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.journal != nil {
		if err := p.journal.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset run %s: %w", p.opts.Run, err)
		}
		store, _, err := p.journal.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to reload run %s: %w", p.opts.Run, err)
		}
		p.store = store
	} else {
		p.store = evidence.NewStore()
	}
	p.rounds = nil
	p.meta = evidence.Meta{}
	p.tracker = gaps.NewTracker()
	p.gate = gate.New(gate.WithMaxRetries(p.opts.MaxRetries), gate.WithMaxIdleRounds(p.opts.MaxIdleRounds))
	p.series, p.violations = nil, nil
	log.Info("Reset run %s", p.opts.Run)
	return nil
}

// Digest renders the ContextDigest for the run's current state.
func (p *Pipeline) Digest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return artifact.Digest(artifact.DigestInput{
		Title:      p.title(),
		Run:        p.opts.Run,
		Date:       p.opts.Now(),
		State:      p.gate.State(),
		Halt:       p.gate.Halt(),
		Report:     p.tracker.Compute(p.store),
		Items:      p.store.Items(),
		Series:     p.series,
		Violations: p.violations,
	}, p.templates)
}

func bundleDocuments(files []artifact.File) []validate.Document {
	var docs []validate.Document
	for _, f := range files {
		if slug, ok := f.Bundle(); ok {
			docs = append(docs, validate.Document{Slug: slug, Path: f.Path, Text: string(f.Data)})
		}
	}
	return docs
}

// ReadSources reads the primary document and any context documents.
func ReadSources(primary string, extra ...string) ([]collab.Source, error) {
	sources := make([]collab.Source, 0, len(extra)+1)
	for i, path := range append([]string{primary}, extra...) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		sources = append(sources, collab.Source{Ref: path, Text: data, Primary: i == 0})
	}
	return sources, nil
}
