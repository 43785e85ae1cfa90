// Package telemetry fans intersection state out to external systems.
package telemetry

import (
	"encoding/json"
	"time"

	"signalsim/internal/domain"
)

// Sink receives every state change produced by the engine.
type Sink interface {
	Name() string
	// Publish delivers the latest snapshot of one intersection.
	Publish(s domain.Snapshot) error
	// Remove announces that an intersection no longer exists.
	Remove(intersectionID string) error
	Close() error
}

type statePayload struct {
	IntersectionID   string            `json:"intersection_id"`
	IntersectionName string            `json:"intersection_name"`
	PhaseName        string            `json:"phase_name"`
	ElapsedInPhase   int               `json:"elapsed_in_phase"`
	PhaseDuration    int               `json:"phase_duration"`
	Signals          map[string]string `json:"signals"`
	TS               string            `json:"ts"`
}

func encodeState(s domain.Snapshot, now time.Time) ([]byte, error) {
	return json.Marshal(statePayload{
		IntersectionID:   s.IntersectionID,
		IntersectionName: s.IntersectionName,
		PhaseName:        s.PhaseName,
		ElapsedInPhase:   s.ElapsedInPhase,
		PhaseDuration:    s.PhaseDuration,
		Signals:          s.Signals.Labels(),
		TS:               now.UTC().Format(time.RFC3339),
	})
}
