package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Variables holds the values injected into {{name}} placeholders.
type Variables map[string]string

// Render replaces every {{name}} placeholder in template with its value.
// Placeholders without a value are left as they are.
func Render(template string, vars Variables) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return collapseBlankLines(strings.NewReplacer(pairs...).Replace(template))
}

// collapseBlankLines drops the runs of empty lines left by empty sections.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
}

// Templates holds one template per generated document.
type Templates struct {
	Prompt        string
	Plans         string
	Implement     string
	Documentation string
	Overview      string
	Digest        string
}

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() Templates {
	return Templates{
		Prompt:        defaultPrompt,
		Plans:         defaultPlans,
		Implement:     defaultImplement,
		Documentation: defaultDocumentation,
		Overview:      defaultOverview,
		Digest:        defaultDigest,
	}
}

// LoadTemplates returns the defaults overridden by any of Prompt.md,
// Plans.md, Implement.md, Documentation.md, Overview.md or ContextDigest.md
// found in dir. An empty dir yields the defaults.
func LoadTemplates(dir string) (Templates, error) {
	t := DefaultTemplates()
	if dir == "" {
		return t, nil
	}
	slots := map[string]*string{
		"Prompt.md":        &t.Prompt,
		"Plans.md":         &t.Plans,
		"Implement.md":     &t.Implement,
		"Documentation.md": &t.Documentation,
		"Overview.md":      &t.Overview,
		"ContextDigest.md": &t.Digest,
	}
	for name, slot := range slots {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Templates{}, fmt.Errorf("failed to read template file %s: %w", name, err)
		}
		log.Debug("Using custom template %s", filepath.Join(dir, name))
		*slot = string(data)
	}
	return t, nil
}

const defaultPrompt = `# {{title}}
Series: {{series}} | Change set {{position}} of {{total}} | Estimate: {{estimate}} lines

## Goal
{{goal}}

## Purpose Demo
- Trigger: {{demo_trigger}}
- Expected behaviour: {{demo_expected}}
- Observable proof: {{demo_proof}}
- Validation intent: {{demo_validation}}

## Prerequisites
{{prerequisites}}

## Rules
- Implement only the deliverables listed in Plans.md
- Consume prerequisites only through the contracts named above
- Finish by running the purpose demo and recording its proof
`

const defaultPlans = `# Plan: {{title}}

## Deliverables
{{deliverables}}

## Evidence Trace
{{trace}}
`

const defaultImplement = `# Implementation Steps: {{title}}

{{steps}}
`

const defaultDocumentation = `# Documentation: {{title}}

## Contracts Introduced
{{introduced}}

## Contracts Consumed
{{consumed}}

{{glossary}}
`

const defaultOverview = `# {{title}}
Generated: {{date}} | Run: {{run}}

{{goals}}

## Change Sets
{{sequence}}

## Contract Catalog
{{catalog}}

{{constraints}}

{{nongoals}}

{{risks}}

{{notes}}
`

const defaultDigest = `# Context Digest: {{title}}
Run: {{run}} | State: {{state}} | Generated: {{date}}

{{halt}}

## Evidence
{{evidence}}

{{questions}}

{{blockers}}

{{violations}}

{{series}}
`
