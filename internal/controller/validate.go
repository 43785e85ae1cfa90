package controller

import (
	"math"

	"signalsim/internal/domain"
)

// ValidatePhases checks every phase in list order and returns the first
// violation. It also returns the total cycle length.
func ValidatePhases(phases []domain.Phase) (int, error) {
	if len(phases) == 0 {
		return 0, &ConfigError{Index: -1, Reason: "at least one phase is required"}
	}
	cycle := 0
	for i, p := range phases {
		if err := validatePhase(i, p); err != nil {
			return 0, err
		}
		if cycle > math.MaxInt-p.Duration {
			return 0, &ConfigError{Index: i, Phase: p.Name, Reason: "total cycle length overflows"}
		}
		cycle += p.Duration
	}
	return cycle, nil
}

func validatePhase(i int, p domain.Phase) error {
	if p.Duration <= 0 {
		return &ConfigError{Index: i, Phase: p.Name, Reason: "duration must be positive"}
	}
	for _, d := range domain.Directions {
		if _, ok := p.Signals[d]; !ok {
			return &ConfigError{Index: i, Phase: p.Name, Reason: "missing signal for direction " + d.String()}
		}
	}
	if len(p.Signals) != len(domain.Directions) {
		return &ConfigError{Index: i, Phase: p.Name, Reason: "signals reference an unknown direction"}
	}
	if p.Signals[domain.NorthSouth] == domain.Green && p.Signals[domain.EastWest] == domain.Green {
		return &ConfigError{Index: i, Phase: p.Name, Reason: "conflicting GREEN signals for NS and EW"}
	}
	return nil
}
