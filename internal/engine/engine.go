package engine

import (
	"context"
	"errors"
	"sync"

	"signalsim/internal/config"
	"signalsim/internal/controller"
	"signalsim/internal/domain"
	"signalsim/internal/events"
	"signalsim/internal/logging"
	"signalsim/internal/metrics"
	"signalsim/internal/registry"
	"signalsim/internal/telemetry"
)

// Engine exposes the intersection operations over a Registry. Every
// successful mutation is journaled and pushed to the telemetry sinks;
// failures in either are logged and never undo the mutation.
//
// Ticks and resets journal and publish while holding their controller's
// lock. Upsert and Delete retire the controller they replace, so nothing
// about an old controller is recorded after its replacement or removal.
type Engine struct {
	Registry *registry.Registry
	Journal  *events.Journal
	Sinks    []telemetry.Sink
	Metrics  *metrics.Metrics
	Logger   *logging.Logger

	// lifecycle serializes Upsert and Delete.
	lifecycle sync.Mutex
}

// New returns an Engine over reg. journal, m and log may be nil.
func New(reg *registry.Registry, journal *events.Journal, m *metrics.Metrics, log *logging.Logger, sinks ...telemetry.Sink) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{
		Registry: reg,
		Journal:  journal,
		Sinks:    sinks,
		Metrics:  m,
		Logger:   log.With("component", "engine"),
	}
}

func (e *Engine) ListIntersections(ctx context.Context) []domain.IntersectionSummary {
	items := e.Registry.List()
	e.observe("list", nil)
	return items
}

func (e *Engine) GetState(ctx context.Context, id string) (domain.Snapshot, error) {
	c, err := e.Registry.Get(id)
	if err != nil {
		e.fail(ctx, "state", id, err)
		return domain.Snapshot{}, err
	}
	e.observe("state", nil)
	return c.Snapshot(), nil
}

func (e *Engine) GetConfig(ctx context.Context, id string) (domain.IntersectionConfig, error) {
	c, err := e.Registry.Get(id)
	if err != nil {
		e.fail(ctx, "config", id, err)
		return domain.IntersectionConfig{}, err
	}
	e.observe("config", nil)
	return c.Config(), nil
}

// AdvanceTime moves the intersection's simulated clock forward.
func (e *Engine) AdvanceTime(ctx context.Context, id string, seconds int) (domain.Snapshot, error) {
	for {
		c, err := e.Registry.Get(id)
		if err != nil {
			e.fail(ctx, "tick", id, err)
			return domain.Snapshot{}, err
		}
		snap, _, err := c.AdvanceWith(seconds, func(snap domain.Snapshot, crossed int) {
			e.observe("tick", nil)
			if e.Metrics != nil {
				e.Metrics.AdvanceSeconds.Observe(float64(seconds))
				e.Metrics.PhaseTransitions.WithLabelValues(id).Add(float64(crossed))
			}
			e.Logger.Debug("advanced", "intersection_id", id, "seconds", seconds, "transitions", crossed, "phase", snap.PhaseName)
			e.record(ctx, events.TypeTick, id, events.Payload{
				"seconds":          seconds,
				"transitions":      crossed,
				"phase_name":       snap.PhaseName,
				"elapsed_in_phase": snap.ElapsedInPhase,
			})
			e.publish(snap)
		})
		if errors.Is(err, controller.ErrRetired) {
			e.awaitLifecycle()
			continue
		}
		if err != nil {
			e.fail(ctx, "tick", id, err)
			return domain.Snapshot{}, err
		}
		return snap, nil
	}
}

func (e *Engine) Reset(ctx context.Context, id string) (domain.Snapshot, error) {
	for {
		c, err := e.Registry.Get(id)
		if err != nil {
			e.fail(ctx, "reset", id, err)
			return domain.Snapshot{}, err
		}
		snap, err := c.ResetWith(func(snap domain.Snapshot) {
			e.observe("reset", nil)
			e.record(ctx, events.TypeReset, id, nil)
			e.publish(snap)
		})
		if errors.Is(err, controller.ErrRetired) {
			e.awaitLifecycle()
			continue
		}
		if err != nil {
			e.fail(ctx, "reset", id, err)
			return domain.Snapshot{}, err
		}
		return snap, nil
	}
}

// Upsert builds a controller from wire phases and installs it under id.
// The previous controller, if any, stays in place unless validation passes.
func (e *Engine) Upsert(ctx context.Context, id, name string, specs []controller.PhaseSpec) (domain.IntersectionConfig, error) {
	phases, err := controller.PhasesFromSpecs(specs)
	if err != nil {
		e.fail(ctx, "upsert", id, err)
		return domain.IntersectionConfig{}, err
	}
	c, err := controller.New(id, name, phases)
	if err != nil {
		e.fail(ctx, "upsert", id, err)
		return domain.IntersectionConfig{}, err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if old, err := e.Registry.Get(id); err == nil {
		old.Retire()
	}
	// Recorded before the new controller is reachable, so its first tick
	// always follows the upsert event.
	e.Logger.Info("intersection configured", "intersection_id", id, "actor", events.Actor(ctx), "phases", len(phases), "cycle", c.CycleLength())
	e.record(ctx, events.TypeUpsert, id, events.Payload{
		"name":   name,
		"phases": len(phases),
		"cycle":  c.CycleLength(),
	})
	e.publish(c.Snapshot())
	e.Registry.Put(c)
	e.observe("upsert", nil)
	return c.Config(), nil
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	c, err := e.Registry.Get(id)
	if err != nil {
		e.fail(ctx, "delete", id, err)
		return err
	}
	c.Retire()
	if err := e.Registry.Delete(id); err != nil {
		e.fail(ctx, "delete", id, err)
		return err
	}
	if e.Metrics != nil {
		e.Metrics.PhaseTransitions.DeleteLabelValues(id)
	}
	e.observe("delete", nil)
	e.Logger.Info("intersection deleted", "intersection_id", id, "actor", events.Actor(ctx))
	e.record(ctx, events.TypeDelete, id, nil)
	for _, s := range e.Sinks {
		if err := s.Remove(id); err != nil {
			e.sinkFailed(s, id, err)
		}
	}
	return nil
}

// awaitLifecycle blocks until a running Upsert or Delete has settled the
// registry.
func (e *Engine) awaitLifecycle() {
	e.lifecycle.Lock()
	e.lifecycle.Unlock()
}

// SeedDefault installs the built-in intersection when the registry is empty.
// It reports whether anything was installed.
func (e *Engine) SeedDefault(ctx context.Context) (bool, error) {
	if e.Registry.Len() > 0 {
		return false, nil
	}
	def := config.DefaultIntersection()
	if _, err := e.Upsert(ctx, def.ID, def.Name, def.Phases); err != nil {
		return false, err
	}
	return true, nil
}

// Load installs every intersection of a definitions file. Definitions are
// applied in order; the first failure stops the load.
func (e *Engine) Load(ctx context.Context, f *config.File) error {
	for _, in := range f.Intersections {
		if _, err := e.Upsert(ctx, in.ID, in.Name, in.Phases); err != nil {
			return err
		}
	}
	return nil
}

// Events lists the newest journal entries.
func (e *Engine) Events(ctx context.Context, limit int, intersectionID string) ([]domain.Event, error) {
	if e.Journal == nil {
		return nil, nil
	}
	return e.Journal.Latest(ctx, limit, intersectionID)
}

// Close releases telemetry sinks.
func (e *Engine) Close() error {
	var errs []error
	for _, s := range e.Sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) fail(ctx context.Context, op, id string, err error) {
	e.observe(op, err)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.Logger.Warn("intersection not found", "op", op, "intersection_id", id, "request_id", events.RequestID(ctx))
	case controller.IsConfigError(err), errors.Is(err, controller.ErrInvalidArgument):
		e.Logger.Info("request rejected", "op", op, "intersection_id", id, "error", err, "request_id", events.RequestID(ctx))
	default:
		e.Logger.Error("operation failed", "op", op, "intersection_id", id, "error", err, "request_id", events.RequestID(ctx))
	}
}

func (e *Engine) observe(op string, err error) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.Operations.WithLabelValues(op, Outcome(err)).Inc()
	e.Metrics.Intersections.Set(float64(e.Registry.Len()))
}

func (e *Engine) record(ctx context.Context, evtType, id string, payload events.Payload) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Append(ctx, evtType, id, payload); err != nil {
		e.Logger.Error("journal append failed", "type", evtType, "intersection_id", id, "error", err)
	}
}

func (e *Engine) publish(snap domain.Snapshot) {
	for _, s := range e.Sinks {
		if err := s.Publish(snap); err != nil {
			e.sinkFailed(s, snap.IntersectionID, err)
		}
	}
}

func (e *Engine) sinkFailed(s telemetry.Sink, id string, err error) {
	e.Logger.Error("telemetry publish failed", "sink", s.Name(), "intersection_id", id, "error", err)
	if e.Metrics != nil {
		e.Metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
	}
}

// Outcome classifies err for metrics and error envelopes.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	case controller.IsConfigError(err):
		return "invalid_configuration"
	case errors.Is(err, controller.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}
