package decompose

import "slices"

// Seal asks for every mention of Target to be removed from the bundle cut
// from unit Bundle.
type Seal struct {
	Bundle string
	Target string
}

// Pairing forbids folding infrastructure unit Infra into host unit Host.
type Pairing struct {
	Infra string
	Host  string
}

// Feedback carries validator findings into the next decomposition. It only
// grows across retries, so repeated passes converge.
type Feedback struct {
	DedupeSlugs bool
	Seals       []Seal
	AvoidHosts  []Pairing
	// Qualify lists unit keys whose slugs appear in other bundles' own names
	// or rendered documents and must be renamed.
	Qualify []string
}

// Empty reports whether the feedback changes nothing.
func (f Feedback) Empty() bool {
	return !f.DedupeSlugs && len(f.Seals) == 0 && len(f.AvoidHosts) == 0 && len(f.Qualify) == 0
}

// Merge returns the union of f and o.
func (f Feedback) Merge(o Feedback) Feedback {
	out := Feedback{
		DedupeSlugs: f.DedupeSlugs || o.DedupeSlugs,
		Seals:       slices.Clone(f.Seals),
		AvoidHosts:  slices.Clone(f.AvoidHosts),
		Qualify:     slices.Clone(f.Qualify),
	}
	for _, s := range o.Seals {
		if !slices.Contains(out.Seals, s) {
			out.Seals = append(out.Seals, s)
		}
	}
	for _, p := range o.AvoidHosts {
		if !slices.Contains(out.AvoidHosts, p) {
			out.AvoidHosts = append(out.AvoidHosts, p)
		}
	}
	for _, k := range o.Qualify {
		if !slices.Contains(out.Qualify, k) {
			out.Qualify = append(out.Qualify, k)
		}
	}
	return out
}

// Covers reports whether every finding in o is already part of f.
func (f Feedback) Covers(o Feedback) bool {
	if o.DedupeSlugs && !f.DedupeSlugs {
		return false
	}
	for _, s := range o.Seals {
		if !slices.Contains(f.Seals, s) {
			return false
		}
	}
	for _, p := range o.AvoidHosts {
		if !slices.Contains(f.AvoidHosts, p) {
			return false
		}
	}
	for _, k := range o.Qualify {
		if !slices.Contains(f.Qualify, k) {
			return false
		}
	}
	return true
}

func (f Feedback) avoids(infra, host string) bool {
	return slices.Contains(f.AvoidHosts, Pairing{Infra: infra, Host: host})
}

func (f Feedback) sealTargets(key string) []string {
	var out []string
	for _, s := range f.Seals {
		if s.Bundle == key && !slices.Contains(out, s.Target) {
			out = append(out, s.Target)
		}
	}
	return out
}
