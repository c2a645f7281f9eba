// Package mode describes which observation types and concepts are valid for
// the current workload. A Mode is an explicit value handed to the store and
// to extractors; nothing in this package holds process-wide state.
package mode

import (
	"fmt"
	"slices"
	"strings"
)

// Mode names the vocabulary observations are validated against.
type Mode struct {
	Name             string   `yaml:"name" json:"name"`
	ObservationTypes []string `yaml:"observation_types" json:"observation_types"`
	Concepts         []string `yaml:"concepts" json:"concepts"`
}

// Code is the default vocabulary for software work.
func Code() Mode {
	return Mode{
		Name: "code",
		ObservationTypes: []string{
			"bugfix", "feature", "refactor", "change", "discovery", "decision",
		},
		Concepts: []string{
			"how-it-works", "why-it-exists", "what-changed", "problem-solution",
			"gotcha", "pattern", "trade-off",
		},
	}
}

// Normalize lower-cases and de-duplicates the vocabulary. An empty mode
// becomes Code().
func (m Mode) Normalize() Mode {
	if m.Name == "" && len(m.ObservationTypes) == 0 && len(m.Concepts) == 0 {
		return Code()
	}
	out := Mode{Name: strings.TrimSpace(m.Name)}
	if out.Name == "" {
		out.Name = "custom"
	}
	out.ObservationTypes = normalizeList(m.ObservationTypes)
	out.Concepts = normalizeList(m.Concepts)
	return out
}

// Validate reports an error when the mode cannot accept any observation.
func (m Mode) Validate() error {
	if len(m.ObservationTypes) == 0 {
		return fmt.Errorf("mode %q: at least one observation type is required", m.Name)
	}
	return nil
}

// ValidType reports whether t is an accepted observation type.
func (m Mode) ValidType(t string) bool {
	return slices.Contains(m.ObservationTypes, strings.ToLower(strings.TrimSpace(t)))
}

// FilterConcepts keeps only known concepts, normalized and de-duplicated.
// A mode without a concept list accepts any concept.
func (m Mode) FilterConcepts(concepts []string) []string {
	in := normalizeList(concepts)
	if len(m.Concepts) == 0 {
		return in
	}
	out := in[:0]
	for _, c := range in {
		if slices.Contains(m.Concepts, c) {
			out = append(out, c)
		}
	}
	return out
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
