package controller

import (
	"sort"

	"signalsim/internal/domain"
)

// PhaseSpec is a phase as it arrives from outside the engine, with
// directions and colors still in wire form.
type PhaseSpec struct {
	Name     string            `json:"name" yaml:"name"`
	Duration int               `json:"duration" yaml:"duration"`
	Signals  map[string]string `json:"signals" yaml:"signals"`
}

// PhasesFromSpecs converts wire phases to domain phases. Each phase is
// checked before the next one is read, so the first violation in list order
// wins whether it is a bad label or a broken rule.
func PhasesFromSpecs(specs []PhaseSpec) ([]domain.Phase, error) {
	phases := make([]domain.Phase, 0, len(specs))
	for i, s := range specs {
		if s.Duration <= 0 {
			return nil, &ConfigError{Index: i, Phase: s.Name, Reason: "duration must be positive"}
		}
		signals := make(domain.Signals, len(s.Signals))
		keys := make([]string, 0, len(s.Signals))
		for k := range s.Signals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d, err := domain.ParseDirection(k)
			if err != nil {
				return nil, &ConfigError{Index: i, Phase: s.Name, Reason: err.Error()}
			}
			c, err := domain.ParseColor(s.Signals[k])
			if err != nil {
				return nil, &ConfigError{Index: i, Phase: s.Name, Reason: err.Error()}
			}
			signals[d] = c
		}
		p := domain.Phase{Name: s.Name, Duration: s.Duration, Signals: signals}
		if err := validatePhase(i, p); err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// SpecsFromPhases renders domain phases in wire form.
func SpecsFromPhases(phases []domain.Phase) []PhaseSpec {
	out := make([]PhaseSpec, len(phases))
	for i, p := range phases {
		out[i] = PhaseSpec{Name: p.Name, Duration: p.Duration, Signals: p.Signals.Labels()}
	}
	return out
}
