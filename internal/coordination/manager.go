package coordination

import (
	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/state"
)

// Manager owns the set of registered guards and provides the read
// projections and stale-holder sweep that `internal/runtime`'s event loop
// needs each tick. It never owns locks/semaphores directly — those live in
// the MaterializedState the runtime already holds — it only reads them.
type Manager struct {
	eval   *Evaluator
	guards map[string]state.Guard
}

// NewManager returns a Manager with an empty guard registry.
func NewManager() *Manager {
	return &Manager{eval: NewEvaluator(), guards: map[string]state.Guard{}}
}

// RegisterGuard adds or replaces a guard in the registry.
func (m *Manager) RegisterGuard(g state.Guard) {
	m.guards[g.ID] = g
}

// UnregisterGuard removes a guard, e.g. once its pipeline has unblocked.
func (m *Manager) UnregisterGuard(id string) {
	delete(m.guards, id)
}

// BuildGuardInputs projects ms into the read-only view EvaluateGuard
// consults. vars carries adapter-resolved booleans for condition kinds
// (BranchExists, IssueInStatus, ...) that need a live repo/tracker lookup
// the pure state package never performs itself.
func BuildGuardInputs(ms *state.MaterializedState, vars map[string]string) state.GuardInputs {
	return state.GuardInputs{
		Locks:      ms.Locks,
		Semaphores: ms.Semaphores,
		Sessions:   ms.Sessions,
		Workspaces: ms.Workspaces,
		Pipelines:  ms.Pipelines,
		Vars:       vars,
	}
}

// EvaluateGuard evaluates a registered guard's condition tree by ID.
func (m *Manager) EvaluateGuard(guardID string, inputs state.GuardInputs) (state.GuardResult, error) {
	g, ok := m.guards[guardID]
	if !ok {
		return state.GuardResult{Passed: false, Reason: "guard not registered"}, nil
	}
	return m.eval.EvaluateGuard(g.Condition, inputs)
}

// GuardsForEvent returns the IDs of registered guards whose WakeOn list
// matches name, in registration order is not guaranteed (map iteration).
func (m *Manager) GuardsForEvent(name state.EventName) []string {
	var ids []string
	for id, g := range m.guards {
		for _, pattern := range g.WakeOn {
			if state.MatchesPattern(pattern, name) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// ReclaimStale runs a Tick transition over every lock and semaphore in ms,
// returning the effects produced (lock:stale/semaphore:stale warnings, plus
// whatever the runtime's next Acquire call reclaims). It does not mutate ms
// itself — ticks only ever emit; only a subsequent Acquire actually
// displaces a stale holder — so callers route the returned effects through
// the same executor path as any other transition's effects.
func ReclaimStale(ms *state.MaterializedState, clk clock.Clock) []state.Effect {
	var effects []state.Effect

	for _, l := range ms.Locks {
		_, ticked := l.Transition(state.LockCommand{Kind: state.LockCmdTick}, clk)
		effects = append(effects, ticked...)
	}
	for _, s := range ms.Semaphores {
		_, ticked := s.Transition(state.SemaphoreCommand{Kind: state.SemaphoreCmdTick}, clk)
		effects = append(effects, ticked...)
	}

	return effects
}
