package supervisor

import (
	"fmt"
	"time"

	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
)

// Outcome tells the runtime which pipeline-level command, if any, to issue
// once an ActionStep's effects have been executed. Done/Fail require
// resolving the runbook's phase graph (Advance needs the next phase name),
// which only the runtime holds, so the supervisor hands back an intent
// rather than constructing the PipelineCommand itself.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDone
	OutcomeFail
	OutcomeEscalate
)

// ActionResult is what one ActionStep resolves to: effects to run through
// the executor, plus an Outcome the runtime applies against the pipeline
// afterward.
type ActionResult struct {
	Effects []state.Effect
	Outcome Outcome
	Reason  string
}

// ApplyStep builds the ActionResult for one ActionStep, triggered against
// pipeline's currently bound agent session. trigger is the human-readable
// cause (a Failed session's error message, or the idle/exit classification
// name) threaded into Fail/Escalate outcomes and logging.
func ApplyStep(step runbook.ActionStep, agent runbook.Agent, pipeline state.Pipeline, trigger string, now time.Time) ActionResult {
	switch step.Kind {
	case runbook.ActionNudge:
		return nudgeResult(step, pipeline)
	case runbook.ActionDone:
		return ActionResult{Outcome: OutcomeDone}
	case runbook.ActionFail:
		return ActionResult{Outcome: OutcomeFail, Reason: trigger}
	case runbook.ActionRestart:
		return ActionResult{Effects: restartEffects(agent, pipeline)}
	case runbook.ActionRecover:
		return ActionResult{Effects: recoverEffects(step, agent, pipeline)}
	case runbook.ActionEscalate:
		return escalateResult(pipeline, trigger, now)
	default:
		return ActionResult{}
	}
}

func nudgeResult(step runbook.ActionStep, pipeline state.Pipeline) ActionResult {
	if pipeline.SessionID == "" {
		return ActionResult{}
	}
	msg := step.Message
	if msg == "" {
		msg = "Please continue with the task."
	}
	eff := state.Effect{Kind: state.EffectSend}
	eff.Send.SessionID = pipeline.SessionID
	eff.Send.Input = msg + "\n"
	return ActionResult{Effects: []state.Effect{eff}}
}

// restartEffects tears the session and its workspace worktree down and
// re-spawns the agent from scratch against the pipeline's original inputs,
// for the cases where a fresh environment is the fix.
func restartEffects(agent runbook.Agent, pipeline state.Pipeline) []state.Effect {
	var effects []state.Effect
	if pipeline.SessionID != "" {
		kill := state.Effect{Kind: state.EffectKill}
		kill.Kill.SessionID = pipeline.SessionID
		effects = append(effects, kill)
	}
	if pipeline.WorkspacePath != "" {
		remove := state.Effect{Kind: state.EffectWorktreeRemove}
		remove.WorktreeRemove.Path = pipeline.WorkspacePath
		add := state.Effect{Kind: state.EffectWorktreeAdd}
		add.WorktreeAdd.Branch = pipeline.ID
		add.WorktreeAdd.Path = pipeline.WorkspacePath
		effects = append(effects, remove, add)
	}
	spawn := state.Effect{Kind: state.EffectSpawn}
	spawn.Spawn.WorkspaceID = pipeline.ID
	spawn.Spawn.Command = agent.Command
	spawn.Spawn.Env = agent.Env
	spawn.Spawn.Cwd = pipeline.WorkspacePath
	return append(effects, spawn)
}

// recoverEffects kills the stuck session and re-spawns the same agent in
// place (the workspace worktree survives), optionally replacing or
// appending to its prompt via the action step's message.
func recoverEffects(step runbook.ActionStep, agent runbook.Agent, pipeline state.Pipeline) []state.Effect {
	var effects []state.Effect
	if pipeline.SessionID != "" {
		kill := state.Effect{Kind: state.EffectKill}
		kill.Kill.SessionID = pipeline.SessionID
		effects = append(effects, kill)
	}

	env := agent.Env
	if step.RecoverPrompt != "" {
		env = mergeEnv(agent.Env, step.RecoverAppend, step.RecoverPrompt, pipeline.Outputs["prompt"])
	}
	spawn := state.Effect{Kind: state.EffectSpawn}
	spawn.Spawn.WorkspaceID = pipeline.ID
	spawn.Spawn.Command = agent.Command
	spawn.Spawn.Env = env
	spawn.Spawn.Cwd = pipeline.WorkspacePath
	return append(effects, spawn)
}

func mergeEnv(base map[string]string, appendPrompt bool, addition, existingPrompt string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	if appendPrompt && existingPrompt != "" {
		out["OJ_PROMPT"] = existingPrompt + "\n\n" + addition
	} else {
		out["OJ_PROMPT"] = addition
	}
	return out
}

// escalateResult emits a pipeline:blocked event, fires a desktop
// notification, and cancels the session's check timer, then tells the
// runtime to mark the pipeline Waiting for an explicit "pipeline resume"
// IPC call.
func escalateResult(pipeline state.Pipeline, trigger string, now time.Time) ActionResult {
	effects := []state.Effect{
		state.EmitEffect(state.NewEvent(state.EventPipelineBlocked, pipeline.ID, now).
			With("waiting_on", "manual_resume").With("reason", trigger)),
		state.NotifyEffect(
			fmt.Sprintf("Pipeline needs attention: %s", pipeline.Name),
			trigger,
		),
		state.CancelTimerEffect(fmt.Sprintf("session:%s:check", pipeline.ID)),
	}
	return ActionResult{Effects: effects, Outcome: OutcomeEscalate, Reason: trigger}
}
