package server

import (
	"encoding/json"
	"errors"

	"signalsim/internal/controller"
	"signalsim/internal/domain"
)

// Request payloads

type TickRequest struct {
	Seconds int `json:"seconds" doc:"How many seconds to advance the simulation" example:"10"`
}

type UpsertIntersectionRequest struct {
	ID     string                 `json:"id,omitempty" doc:"Must match the path id when present" example:"main-crossroad"`
	Name   string                 `json:"name" example:"Main intersection"`
	Phases []controller.PhaseSpec `json:"phases"`
}

// Response payloads

type StateResponse struct {
	IntersectionID   string            `json:"intersection_id"`
	IntersectionName string            `json:"intersection_name"`
	PhaseName        string            `json:"phase_name"`
	ElapsedInPhase   int               `json:"elapsed_in_phase"`
	PhaseDuration    int               `json:"phase_duration"`
	Signals          map[string]string `json:"signals" example:"{\"NS\":\"GREEN\",\"EW\":\"RED\"}"`
}

type IntersectionConfigResponse struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Phases []controller.PhaseSpec `json:"phases"`
}

type IntersectionsListResponse struct {
	Items []domain.IntersectionSummary `json:"items"`
}

type EventResponse struct {
	ID             int64           `json:"id"`
	TS             string          `json:"ts" format:"date-time"`
	Type           string          `json:"type"`
	IntersectionID string          `json:"intersection_id"`
	RequestID      string          `json:"request_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty" doc:"Token subject that caused the event"`
	Payload        json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
}

func stateResponse(s domain.Snapshot) StateResponse {
	return StateResponse{
		IntersectionID:   s.IntersectionID,
		IntersectionName: s.IntersectionName,
		PhaseName:        s.PhaseName,
		ElapsedInPhase:   s.ElapsedInPhase,
		PhaseDuration:    s.PhaseDuration,
		Signals:          s.Signals.Labels(),
	}
}

func configResponse(cfg domain.IntersectionConfig) IntersectionConfigResponse {
	return IntersectionConfigResponse{
		ID:     cfg.ID,
		Name:   cfg.Name,
		Phases: controller.SpecsFromPhases(cfg.Phases),
	}
}

func listResponse(items []domain.IntersectionSummary) IntersectionsListResponse {
	return IntersectionsListResponse{Items: nonNilSlice(items)}
}

func eventsResponse(items []domain.Event) EventsResponse {
	resp := EventsResponse{Items: []EventResponse{}}
	for _, e := range items {
		resp.Items = append(resp.Items, eventResponse(e))
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		IntersectionID: e.IntersectionID,
		RequestID:      e.RequestID,
		ActorID:        e.ActorID,
		Payload:        payload,
	}
}

func configErrorDetails(err error) map[string]any {
	var ce *controller.ConfigError
	if !errors.As(err, &ce) {
		return nil
	}
	details := map[string]any{"reason": ce.Reason}
	if ce.Index >= 0 {
		details["phase_index"] = ce.Index
		details["phase_name"] = ce.Phase
	}
	return details
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
