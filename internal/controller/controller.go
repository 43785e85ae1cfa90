// Package controller holds the signal-cycle engine of a single intersection.
package controller

import (
	"fmt"
	"strings"
	"sync"

	"signalsim/internal/domain"
)

// Controller simulates the phase cycle of one intersection. Time only moves
// through Advance. All methods are safe for concurrent use.
type Controller struct {
	id     string
	name   string
	phases []domain.Phase
	cycle  int

	mu      sync.Mutex
	current int
	elapsed int
	retired bool
}

// New validates phases and returns a controller positioned at the start of
// the first phase. Nothing is returned on a validation failure.
func New(id, name string, phases []domain.Phase) (*Controller, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ConfigError{Index: -1, Reason: "intersection id is required"}
	}
	if strings.TrimSpace(name) == "" {
		return nil, &ConfigError{Index: -1, Reason: "intersection name is required"}
	}
	cycle, err := ValidatePhases(phases)
	if err != nil {
		return nil, err
	}
	owned := make([]domain.Phase, len(phases))
	for i, p := range phases {
		owned[i] = p.Clone()
	}
	return &Controller{id: id, name: name, phases: owned, cycle: cycle}, nil
}

func (c *Controller) ID() string   { return c.id }
func (c *Controller) Name() string { return c.name }

// CycleLength is the sum of all phase durations.
func (c *Controller) CycleLength() int { return c.cycle }

// Config returns a copy of the intersection's phase configuration.
func (c *Controller) Config() domain.IntersectionConfig {
	phases := make([]domain.Phase, len(c.phases))
	for i, p := range c.phases {
		phases[i] = p.Clone()
	}
	return domain.IntersectionConfig{ID: c.id, Name: c.name, Phases: phases}
}

// Position returns the active phase index and the time spent in it.
func (c *Controller) Position() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.elapsed
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Advance moves simulated time forward by seconds and reports how many phase
// boundaries were crossed. Negative input leaves the state untouched.
func (c *Controller) Advance(seconds int) (domain.Snapshot, int, error) {
	return c.AdvanceWith(seconds, nil)
}

// AdvanceWith is Advance with commit run before the lock is released, so
// whatever commit records is ordered with every other state change and
// never lands after Retire.
func (c *Controller) AdvanceWith(seconds int, commit func(snap domain.Snapshot, crossed int)) (domain.Snapshot, int, error) {
	if seconds < 0 {
		return domain.Snapshot{}, 0, fmt.Errorf("%w: seconds must be non-negative, got %d", ErrInvalidArgument, seconds)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return domain.Snapshot{}, 0, fmt.Errorf("intersection %s: %w", c.id, ErrRetired)
	}

	n := len(c.phases)
	remaining := seconds
	crossed := 0
	for remaining > 0 {
		left := c.phases[c.current].Duration - c.elapsed
		if remaining < left {
			c.elapsed += remaining
			break
		}
		remaining -= left
		c.current = (c.current + 1) % n
		c.elapsed = 0
		crossed++
		// At a phase start a whole cycle lands on the same position.
		if remaining >= c.cycle {
			full := remaining / c.cycle
			remaining %= c.cycle
			crossed += full * n
		}
	}
	snap := c.snapshotLocked()
	if commit != nil {
		commit(snap, crossed)
	}
	return snap, crossed, nil
}

// Reset returns to the start of the first phase. A retired controller is
// left as is and the zero Snapshot is returned.
func (c *Controller) Reset() domain.Snapshot {
	snap, _ := c.ResetWith(nil)
	return snap
}

// ResetWith is Reset with commit run under the lock. It fails with
// ErrRetired once the controller has been retired.
func (c *Controller) ResetWith(commit func(snap domain.Snapshot)) (domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return domain.Snapshot{}, fmt.Errorf("intersection %s: %w", c.id, ErrRetired)
	}
	c.current = 0
	c.elapsed = 0
	snap := c.snapshotLocked()
	if commit != nil {
		commit(snap)
	}
	return snap, nil
}

// Retire stops the controller from accepting Advance and Reset. It waits
// for an operation already holding the lock, including its commit.
func (c *Controller) Retire() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	p := c.phases[c.current]
	return domain.Snapshot{
		IntersectionID:   c.id,
		IntersectionName: c.name,
		PhaseName:        p.Name,
		ElapsedInPhase:   c.elapsed,
		PhaseDuration:    p.Duration,
		Signals:          p.Clone().Signals,
	}
}
