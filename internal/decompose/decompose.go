// Package decompose cuts an approved plan into an ordered sequence of
// budget-compliant bundles and assigns each contract to exactly one
// introducing bundle.
//
// Decomposition is deterministic: the same plan and feedback always produce
// the same slugs, order and contract assignments.
package decompose

import (
	"container/heap"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gosimple/slug"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/mark3labs/bundlr/internal/plan"
)

var log = logger.Named("decompose")

// DefaultBudget is the changed-line ceiling for one bundle.
const DefaultBudget = 500

// Decomposer splits plans into bundles.
type Decomposer struct {
	Estimator Estimator
	Budget    int
}

// New returns a decomposer. A nil estimator selects DefaultEstimator and a
// non-positive budget selects DefaultBudget.
func New(est Estimator, budget int) *Decomposer {
	if est == nil {
		est = DefaultEstimator()
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Decomposer{Estimator: est, Budget: budget}
}

type unit struct {
	key          string
	slug         string
	title        string
	surface      string
	priority     int
	order        int
	deliverables []plan.Deliverable
	estimate     int
	mergedInfra  []string
}

func (u *unit) infra() bool {
	for _, d := range u.deliverables {
		if d.Observable() {
			return false
		}
	}
	return true
}

// Decompose produces a candidate series from p, applying fb.
func (dc *Decomposer) Decompose(p *plan.Plan, fb Feedback) Series {
	units, infeasible := dc.split(p)
	units = dc.mergeInfra(units, fb)
	units = order(units)

	series := Series{Title: p.Title, Infeasible: infeasible}
	for _, u := range units {
		series.Bundles = append(series.Bundles, dc.bundle(p, u))
	}
	if fb.DedupeSlugs {
		dedupe(series.Bundles)
	}
	qualify(series.Bundles, fb)
	seal(series.Bundles, fb)
	series.Catalog = catalog(p, series.Bundles)

	log.Info("Decomposed %d surfaces into %d bundles (%d infeasible)", len(p.Surfaces), len(series.Bundles), len(infeasible))
	return series
}

// split partitions each surface into units under budget. Surfaces over
// budget are cut along sub-boundaries, packing whole sub-boundaries greedily
// in plan order. A single sub-boundary over budget is infeasible.
func (dc *Decomposer) split(p *plan.Plan) ([]*unit, []Infeasibility) {
	var units []*unit
	var infeasible []Infeasibility
	add := func(u *unit) {
		u.order = len(units)
		u.estimate = dc.Estimator.Estimate(u.deliverables)
		units = append(units, u)
	}

	for _, s := range p.Surfaces {
		if dc.Estimator.Estimate(s.Deliverables) <= dc.Budget {
			add(&unit{key: s.Name, slug: s.Slug, title: s.Name, surface: s.Name, priority: s.Priority, deliverables: s.Deliverables})
			continue
		}

		var groups [][]plan.Deliverable
		var names []string
		for _, sub := range s.SubBoundaries() {
			var g []plan.Deliverable
			for _, d := range s.Deliverables {
				if d.SubBoundary == sub {
					g = append(g, d)
				}
			}
			groups = append(groups, g)
			names = append(names, sub)
		}

		var cur []plan.Deliverable
		var curNames []string
		flush := func() {
			if len(cur) == 0 {
				return
			}
			add(newSplitUnit(s, curNames, cur))
			cur, curNames = nil, nil
		}
		for i, g := range groups {
			if est := dc.Estimator.Estimate(g); est > dc.Budget {
				flush()
				u := newSplitUnit(s, names[i:i+1], g)
				add(u)
				infeasible = append(infeasible, Infeasibility{Unit: u.key, Estimate: est})
				log.Warn("Unit %s estimated at %d lines has no sub-boundaries left to split", u.key, est)
				continue
			}
			candidate := append(slices.Clone(cur), g...)
			if len(cur) > 0 && dc.Estimator.Estimate(candidate) > dc.Budget {
				flush()
				candidate = slices.Clone(g)
			}
			cur = candidate
			curNames = append(curNames, names[i])
		}
		flush()
	}
	return units, infeasible
}

func newSplitUnit(s plan.Surface, subs []string, ds []plan.Deliverable) *unit {
	first := subs[0]
	if first == "" {
		first = "general"
	}
	labels := make([]string, len(subs))
	for i, sub := range subs {
		labels[i] = sub
		if sub == "" {
			labels[i] = "general"
		}
	}
	priority := plan.DefaultPriority
	for _, d := range ds {
		priority = min(priority, d.Priority)
	}
	return &unit{
		key:          s.Name + "/" + strings.Join(labels, "+"),
		slug:         s.Slug + "-" + slug.Make(first),
		title:        fmt.Sprintf("%s: %s", s.Name, strings.Join(labels, ", ")),
		surface:      s.Name,
		priority:     priority,
		deliverables: ds,
	}
}

// mergeInfra folds every unit without an observable deliverable into the
// smallest unit consuming one of its contracts, or the smallest unit overall
// when nothing consumes it. Pairings named in fb are skipped.
func (dc *Decomposer) mergeInfra(units []*unit, fb Feedback) []*unit {
	var kept []*unit
	var infra []*unit
	for _, u := range units {
		if u.infra() {
			infra = append(infra, u)
		} else {
			kept = append(kept, u)
		}
	}

	for _, in := range infra {
		introduced, _ := contractSets(in.deliverables)
		var consumers, others []*unit
		for _, u := range kept {
			if fb.avoids(in.key, u.key) {
				continue
			}
			_, consumed := contractSets(u.deliverables)
			if slices.ContainsFunc(consumed, func(id string) bool { return slices.Contains(introduced, id) }) {
				consumers = append(consumers, u)
			} else {
				others = append(others, u)
			}
		}
		host := smallest(consumers)
		if host == nil {
			host = smallest(others)
		}
		if host == nil {
			log.Warn("Infrastructure unit %s has no unit to merge into", in.key)
			kept = append(kept, in)
			continue
		}
		host.deliverables = append(slices.Clone(in.deliverables), host.deliverables...)
		host.mergedInfra = append(host.mergedInfra, in.key)
		host.priority = min(host.priority, in.priority)
		host.estimate = dc.Estimator.Estimate(host.deliverables)
		log.Debug("Merged infrastructure %s into %s (%d lines)", in.key, host.key, host.estimate)
	}
	return kept
}

func smallest(units []*unit) *unit {
	var best *unit
	for _, u := range units {
		if best == nil || u.estimate < best.estimate || (u.estimate == best.estimate && u.order < best.order) {
			best = u
		}
	}
	return best
}

// before is the tie-break order: priority, then slug, then unit key.
func before(a, b *unit) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.slug != b.slug {
		return a.slug < b.slug
	}
	return a.key < b.key
}

type readyQueue []*unit

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return before(q[i], q[j]) }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(*unit)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// order sorts units topologically by contract introduction and consumption,
// breaking ties by priority, then slug. Units caught in a cycle are appended
// in tie-break order; the validator reports their early consumption.
func order(units []*unit) []*unit {
	introducer := make(map[string]*unit)
	for _, u := range units {
		introduced, _ := contractSets(u.deliverables)
		for _, id := range introduced {
			introducer[id] = u
		}
	}

	indeg := make(map[*unit]int, len(units))
	outgoing := make(map[*unit][]*unit)
	for _, u := range units {
		_, consumed := contractSets(u.deliverables)
		seen := make(map[*unit]bool)
		for _, id := range consumed {
			from, ok := introducer[id]
			if !ok || from == u || seen[from] {
				continue
			}
			seen[from] = true
			outgoing[from] = append(outgoing[from], u)
			indeg[u]++
		}
	}

	q := &readyQueue{}
	for _, u := range units {
		if indeg[u] == 0 {
			heap.Push(q, u)
		}
	}
	out := make([]*unit, 0, len(units))
	placed := make(map[*unit]bool)
	for q.Len() > 0 {
		u := heap.Pop(q).(*unit)
		out = append(out, u)
		placed[u] = true
		for _, v := range outgoing[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(q, v)
			}
		}
	}

	if len(out) < len(units) {
		var rest []*unit
		for _, u := range units {
			if !placed[u] {
				rest = append(rest, u)
			}
		}
		slices.SortFunc(rest, func(a, b *unit) int {
			switch {
			case before(a, b):
				return -1
			case before(b, a):
				return 1
			}
			return 0
		})
		log.Warn("Contract cycle among %d units; ordering them by priority", len(rest))
		out = append(out, rest...)
	}
	return out
}

var openMarker = regexp.MustCompile(`(?i)\b(tbd|tbc|todo|fixme)\b|\?\?`)

func (dc *Decomposer) bundle(p *plan.Plan, u *unit) Bundle {
	introduced, consumed := contractSets(u.deliverables)
	b := Bundle{
		Key:                 u.key,
		Slug:                u.slug,
		Title:               u.title,
		Surface:             u.surface,
		Priority:            u.priority,
		LinesEstimate:       u.estimate,
		Prerequisites:       consumed,
		ContractsIntroduced: introduced,
		Deliverables:        slices.Clone(u.deliverables),
		MergedInfra:         slices.Clone(u.mergedInfra),
		OpenQuestions:       []string{},
	}
	if b.Prerequisites == nil {
		b.Prerequisites = []string{}
	}
	if b.ContractsIntroduced == nil {
		b.ContractsIntroduced = []string{}
	}
	for _, d := range u.deliverables {
		b.EvidenceRefs = append(b.EvidenceRefs, d.ID)
		if openMarker.MatchString(d.Text) {
			b.OpenQuestions = append(b.OpenQuestions, fmt.Sprintf("%s is not settled: %s", d.ID, d.Text))
		}
	}
	for _, id := range introduced {
		c, _ := p.Contract(id)
		b.Contracts = append(b.Contracts, ContractNote{ID: id, Description: c.Description, Introduced: true})
	}
	for _, id := range consumed {
		c, _ := p.Contract(id)
		b.Contracts = append(b.Contracts, ContractNote{ID: id, Description: c.Description})
	}
	b.PurposeDemo = purposeDemo(u.deliverables)
	return b
}

// purposeDemo builds the demo from the smallest observable deliverable,
// preferring ones marked as demos. Units with none get an empty demo.
func purposeDemo(ds []plan.Deliverable) PurposeDemo {
	var pick *plan.Deliverable
	better := func(d plan.Deliverable) bool {
		if pick == nil {
			return true
		}
		if d.Demo != pick.Demo {
			return d.Demo
		}
		if d.Weight != pick.Weight {
			return d.Weight < pick.Weight
		}
		return len(d.Text) < len(pick.Text)
	}
	for i := range ds {
		if ds[i].Observable() && better(ds[i]) {
			pick = &ds[i]
		}
	}
	if pick == nil {
		return PurposeDemo{}
	}
	return PurposeDemo{
		Trigger:          "Exercise the new behaviour: " + pick.Text,
		ExpectedBehavior: pick.Text,
		ObservableProof:  fmt.Sprintf("A reviewer observes the result of %s without any other change set applied beyond the listed prerequisites.", pick.ID),
		ValidationIntent: fmt.Sprintf("An automated check fails before this change and passes after it for %s.", pick.ID),
	}
}

// dedupe gives repeated slugs deterministic numeric suffixes in sequence order.
func dedupe(bundles []Bundle) {
	taken := takenSlugs(bundles)
	seen := make(map[string]bool, len(bundles))
	for i := range bundles {
		base := bundles[i].Slug
		if !seen[base] {
			seen[base] = true
			continue
		}
		bundles[i].Slug = nextFree(base, taken)
		seen[bundles[i].Slug] = true
		log.Debug("Renamed duplicate slug %s to %s", base, bundles[i].Slug)
	}
}

// qualify renames the bundles cut from units named in fb.Qualify. Their
// slugs occur as words inside other bundles' names, so a numeric suffix
// keeps those names from reading as references.
func qualify(bundles []Bundle, fb Feedback) {
	if len(fb.Qualify) == 0 {
		return
	}
	taken := takenSlugs(bundles)
	for i := range bundles {
		if !slices.Contains(fb.Qualify, bundles[i].Key) {
			continue
		}
		base := bundles[i].Slug
		bundles[i].Slug = nextFree(base, taken)
		log.Debug("Qualified slug %s as %s", base, bundles[i].Slug)
	}
}

func takenSlugs(bundles []Bundle) map[string]bool {
	taken := make(map[string]bool, len(bundles))
	for _, b := range bundles {
		taken[b.Slug] = true
	}
	return taken
}

// nextFree returns base-N for the smallest N >= 2 not in taken, and takes it.
func nextFree(base string, taken map[string]bool) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !taken[candidate] {
			taken[candidate] = true
			return candidate
		}
	}
}

// seal replaces mentions of other bundles' slugs, as requested by fb, with
// the contracts those bundles introduce.
func seal(bundles []Bundle, fb Feedback) {
	for i := range bundles {
		targets := fb.sealTargets(bundles[i].Key)
		if len(targets) == 0 {
			continue
		}
		var pairs []string
		for _, target := range targets {
			var ids []string
			for _, other := range bundles {
				if other.Slug == target && other.Key != bundles[i].Key {
					ids = append(ids, other.ContractsIntroduced...)
				}
			}
			slices.Sort(ids)
			ids = slices.Compact(ids)
			replacement := "another change set"
			if len(ids) > 0 {
				replacement = "the capability " + strings.Join(ids, ", ")
			}
			pairs = append(pairs, target, replacement)
		}
		b := &bundles[i]
		rewrite := func(s string) string { return replaceSlugs(s, pairs) }
		b.Title = rewrite(b.Title)
		for j := range b.Deliverables {
			b.Deliverables[j].Text = rewrite(b.Deliverables[j].Text)
		}
		b.PurposeDemo = PurposeDemo{
			Trigger:          rewrite(b.PurposeDemo.Trigger),
			ExpectedBehavior: rewrite(b.PurposeDemo.ExpectedBehavior),
			ObservableProof:  rewrite(b.PurposeDemo.ObservableProof),
			ValidationIntent: rewrite(b.PurposeDemo.ValidationIntent),
		}
		for j := range b.Contracts {
			b.Contracts[j].Description = rewrite(b.Contracts[j].Description)
		}
		for j := range b.OpenQuestions {
			b.OpenQuestions[j] = rewrite(b.OpenQuestions[j])
		}
	}
}

// replaceSlugs rewrites whole-token occurrences of each slug in pairs
// (slug, replacement, slug, replacement...).
func replaceSlugs(s string, pairs []string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		s = replaceToken(s, pairs[i], pairs[i+1])
	}
	return s
}

// MentionsSlug reports whether text contains slug as a whole token, ignoring
// ASCII case. A token boundary is any character that cannot appear in a slug.
func MentionsSlug(text, slug string) bool {
	return len(tokenIndexes(text, slug)) > 0
}

func replaceToken(s, token, repl string) string {
	idx := tokenIndexes(s, token)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, i := range idx {
		b.WriteString(s[last:i])
		b.WriteString(repl)
		last = i + len(token)
	}
	b.WriteString(s[last:])
	return b.String()
}

func tokenIndexes(s, token string) []int {
	if token == "" {
		return nil
	}
	hay, needle := asciiLower(s), asciiLower(token)
	var out []int
	for from := 0; from <= len(hay)-len(needle); {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			break
		}
		i += from
		end := i + len(needle)
		if (i == 0 || !isSlugByte(hay[i-1])) && (end == len(hay) || !isSlugByte(hay[end])) {
			out = append(out, i)
			from = end
			continue
		}
		from = i + 1
	}
	return out
}

func isSlugByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-'
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func catalog(p *plan.Plan, bundles []Bundle) []ContractID {
	out := make([]ContractID, 0, len(p.Contracts))
	for _, c := range p.Contracts {
		entry := ContractID{ID: c.ID, Description: c.Description, Terminal: c.Terminal, ConsumedBy: []string{}}
		for _, b := range bundles {
			if slices.Contains(b.ContractsIntroduced, c.ID) && entry.IntroducedBy == "" {
				entry.IntroducedBy = b.Slug
			}
			if slices.Contains(b.Prerequisites, c.ID) {
				entry.ConsumedBy = append(entry.ConsumedBy, b.Slug)
			}
		}
		out = append(out, entry)
	}
	return out
}
