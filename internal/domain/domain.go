package domain

import "fmt"

// Direction is one of the two orthogonal traffic axes of an intersection.
type Direction int

const (
	NorthSouth Direction = iota
	EastWest
)

// Directions lists every direction in wire order.
var Directions = [...]Direction{NorthSouth, EastWest}

func (d Direction) String() string {
	switch d {
	case NorthSouth:
		return "NS"
	case EastWest:
		return "EW"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection maps a wire label to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "NS":
		return NorthSouth, nil
	case "EW":
		return EastWest, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Color is a signal head color.
type Color int

const (
	Red Color = iota
	Yellow
	Green
)

func (c Color) String() string {
	switch c {
	case Red:
		return "RED"
	case Yellow:
		return "YELLOW"
	case Green:
		return "GREEN"
	default:
		return fmt.Sprintf("Color(%d)", int(c))
	}
}

// ParseColor maps a wire label to a Color.
func ParseColor(s string) (Color, error) {
	switch s {
	case "RED":
		return Red, nil
	case "YELLOW":
		return Yellow, nil
	case "GREEN":
		return Green, nil
	}
	return 0, fmt.Errorf("unknown signal color %q", s)
}

// Signals assigns a color to each direction.
type Signals map[Direction]Color

func (s Signals) clone() Signals {
	out := make(Signals, len(s))
	for d, c := range s {
		out[d] = c
	}
	return out
}

// Labels renders the mapping with wire labels.
func (s Signals) Labels() map[string]string {
	out := make(map[string]string, len(s))
	for d, c := range s {
		out[d.String()] = c.String()
	}
	return out
}

// Phase is one timed step of a signal cycle. Durations are in simulated seconds.
type Phase struct {
	Name     string
	Duration int
	Signals  Signals
}

// Clone returns a copy that shares no map with p.
func (p Phase) Clone() Phase {
	p.Signals = p.Signals.clone()
	return p
}

// Snapshot is the externally visible state of one intersection.
type Snapshot struct {
	IntersectionID   string
	IntersectionName string
	PhaseName        string
	ElapsedInPhase   int
	PhaseDuration    int
	Signals          Signals
}

// IntersectionConfig is the full phase configuration of one intersection.
type IntersectionConfig struct {
	ID     string
	Name   string
	Phases []Phase
}

type IntersectionSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	IntersectionID string `json:"intersection_id"`
	RequestID      string `json:"request_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	Payload        string `json:"payload_json"`
}
