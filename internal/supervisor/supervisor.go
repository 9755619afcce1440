package supervisor

import (
	"time"

	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
)

// Trigger is which agent.On* chain fired.
type Trigger string

const (
	TriggerIdle  Trigger = "idle"
	TriggerExit  Trigger = "exit"
	TriggerError Trigger = "error"
)

// Check is one pipeline's outcome for a supervisor tick, for the runtime
// to execute and then apply against MaterializedState.
type Check struct {
	PipelineID string
	Trigger    Trigger
	Result     ActionResult
}

// LogLocator resolves the session log path for a running pipeline. The
// concrete implementation (project-path hash + Claude state dir lookup)
// lives in FindSessionLog; tests inject a fake that points straight at a
// temp file instead of replicating the adapter's directory layout.
type LogLocator interface {
	Locate(pipeline state.Pipeline, sessionID string) (string, bool)
}

// LocatorFunc adapts a function to LogLocator.
type LocatorFunc func(pipeline state.Pipeline, sessionID string) (string, bool)

func (f LocatorFunc) Locate(pipeline state.Pipeline, sessionID string) (string, bool) {
	return f(pipeline, sessionID)
}

// Supervisor runs the periodic session check pass (spec §4.7, 10s
// cadence). It holds no durable state of its own: nudgeCounts is
// best-effort bookkeeping that resets on daemon restart, trading a small
// chance of re-trying a chain's first step once after a crash for not
// needing a new WAL operation kind just to persist a counter.
type Supervisor struct {
	runbook *runbook.Runbook
	locator LogLocator

	nudgeCounts map[string]int
}

// New builds a Supervisor against rb's agent definitions, using locator to
// find each pipeline's session log.
func New(rb *runbook.Runbook, locator LogLocator) *Supervisor {
	return &Supervisor{
		runbook:     rb,
		locator:     locator,
		nudgeCounts: map[string]int{},
	}
}

// Tick classifies every running pipeline's session and returns the Checks
// the runtime must execute. pipelineAgent resolves which runbook agent
// is bound to a pipeline's current phase — only the runtime knows how to
// walk the pipeline-kind definition to the phase's agent name.
func (s *Supervisor) Tick(ms *state.MaterializedState, pipelineAgent func(state.Pipeline) (runbook.Agent, bool), now time.Time) []Check {
	var checks []Check
	for _, p := range ms.Pipelines {
		if p.Terminal() || p.PhaseStatus != state.PhaseRunning || p.SessionID == "" {
			continue
		}
		agent, ok := pipelineAgent(p)
		if !ok {
			continue
		}

		path, ok := s.locator.Locate(p, p.SessionID)
		if !ok {
			continue
		}
		line, err := TailLastLine(path)
		if err != nil || line == "" {
			continue
		}

		class := ClassifyLine([]byte(line))
		switch class.State {
		case StateWaitingForInput:
			if check, ok := s.dispatch(p, agent, agent.OnIdle, TriggerIdle, "idle", now); ok {
				checks = append(checks, check)
			}
		case StateFailed:
			chain := errorChain(agent, class.Reason)
			if check, ok := s.dispatch(p, agent, chain, TriggerError, class.Message, now); ok {
				checks = append(checks, check)
			}
		case StateWorking, StateUnknown:
			delete(s.nudgeCounts, p.ID)
		}
	}
	return checks
}

// errorChain resolves on_error's per-reason chain with fallthrough to the
// "" catch-all entry, matching runbook.Agent.OnError's documented shape.
func errorChain(agent runbook.Agent, reason FailureReason) runbook.ActionChain {
	if chain, ok := agent.OnError[string(reason)]; ok {
		return chain
	}
	return agent.OnError[""]
}

// HandleExit builds the Check for a pipeline whose session adapter
// reported the agent process exited without an explicit "oj done" call.
// Runtime.HandleSessionExit calls this directly rather than waiting for
// the next Tick, since an exited process won't produce
// any more session log lines to classify.
func (s *Supervisor) HandleExit(p state.Pipeline, agent runbook.Agent, now time.Time) Check {
	delete(s.nudgeCounts, p.ID)
	if len(agent.OnExit.Steps) == 0 {
		return Check{PipelineID: p.ID, Trigger: TriggerExit}
	}
	result := ApplyStep(agent.OnExit.Steps[0], agent, p, "process exited", now)
	return Check{PipelineID: p.ID, Trigger: TriggerExit, Result: result}
}

func (s *Supervisor) dispatch(p state.Pipeline, agent runbook.Agent, chain runbook.ActionChain, trigger Trigger, reason string, now time.Time) (Check, bool) {
	if len(chain.Steps) == 0 {
		return Check{}, false
	}
	idx := s.nudgeCounts[p.ID]
	if idx >= len(chain.Steps) {
		idx = len(chain.Steps) - 1
	}
	step := chain.Steps[idx]

	result := ApplyStep(step, agent, p, reason, now)
	if step.Kind == runbook.ActionNudge {
		s.nudgeCounts[p.ID] = idx + 1
	} else {
		delete(s.nudgeCounts, p.ID)
	}
	return Check{PipelineID: p.ID, Trigger: trigger, Result: result}, true
}
