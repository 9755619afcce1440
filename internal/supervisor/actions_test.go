package supervisor_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/supervisor"
)

func TestApplyStep_NudgeSendsMessageToBoundSession(t *testing.T) {
	p := state.Pipeline{ID: "p1", SessionID: "sess-1"}
	step := runbook.ActionStep{Kind: runbook.ActionNudge, Message: "keep going"}

	result := supervisor.ApplyStep(step, runbook.Agent{}, p, "idle", time.Now())
	if len(result.Effects) != 1 || result.Effects[0].Kind != state.EffectSend {
		t.Fatalf("effects = %+v, want one send effect", result.Effects)
	}
	if result.Effects[0].Send.SessionID != "sess-1" || result.Effects[0].Send.Input != "keep going\n" {
		t.Fatalf("send = %+v, want sess-1/'keep going\\n'", result.Effects[0].Send)
	}
}

func TestApplyStep_NudgeWithoutSessionIsNoop(t *testing.T) {
	p := state.Pipeline{ID: "p1"}
	step := runbook.ActionStep{Kind: runbook.ActionNudge}
	result := supervisor.ApplyStep(step, runbook.Agent{}, p, "idle", time.Now())
	if len(result.Effects) != 0 {
		t.Fatalf("effects = %+v, want none without a bound session", result.Effects)
	}
}

func TestApplyStep_DoneReturnsOutcomeDone(t *testing.T) {
	result := supervisor.ApplyStep(runbook.ActionStep{Kind: runbook.ActionDone}, runbook.Agent{}, state.Pipeline{}, "", time.Now())
	if result.Outcome != supervisor.OutcomeDone {
		t.Fatalf("outcome = %v, want OutcomeDone", result.Outcome)
	}
}

func TestApplyStep_FailReturnsOutcomeFailWithReason(t *testing.T) {
	result := supervisor.ApplyStep(runbook.ActionStep{Kind: runbook.ActionFail}, runbook.Agent{}, state.Pipeline{}, "rate limited", time.Now())
	if result.Outcome != supervisor.OutcomeFail || result.Reason != "rate limited" {
		t.Fatalf("result = %+v, want OutcomeFail/rate limited", result)
	}
}

func TestApplyStep_RestartKillsWorktreeAndSpawns(t *testing.T) {
	p := state.Pipeline{ID: "p1", SessionID: "sess-1", WorkspacePath: "/tmp/ws"}
	agent := runbook.Agent{Command: []string{"claude"}}
	result := supervisor.ApplyStep(runbook.ActionStep{Kind: runbook.ActionRestart}, agent, p, "", time.Now())

	var kinds []state.EffectKind
	for _, e := range result.Effects {
		kinds = append(kinds, e.Kind)
	}
	want := []state.EffectKind{state.EffectKill, state.EffectWorktreeRemove, state.EffectWorktreeAdd, state.EffectSpawn}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %+v, want %+v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestApplyStep_RecoverWithoutWorkspaceStillSpawns(t *testing.T) {
	p := state.Pipeline{ID: "p1", SessionID: "sess-1"}
	agent := runbook.Agent{Command: []string{"claude"}}
	step := runbook.ActionStep{Kind: runbook.ActionRecover, RecoverPrompt: "focus on tests", RecoverAppend: false}

	result := supervisor.ApplyStep(step, agent, p, "", time.Now())
	var sawSpawn, sawKill bool
	for _, e := range result.Effects {
		switch e.Kind {
		case state.EffectSpawn:
			sawSpawn = true
			if e.Spawn.Env["OJ_PROMPT"] != "focus on tests" {
				t.Fatalf("spawn env = %+v, want OJ_PROMPT=focus on tests", e.Spawn.Env)
			}
		case state.EffectKill:
			sawKill = true
		}
	}
	if !sawSpawn || !sawKill {
		t.Fatalf("effects = %+v, want kill+spawn", result.Effects)
	}
}

func TestApplyStep_EscalateEmitsNotifiesAndCancelsTimer(t *testing.T) {
	p := state.Pipeline{ID: "p1", Name: "fix-bug"}
	result := supervisor.ApplyStep(runbook.ActionStep{Kind: runbook.ActionEscalate}, runbook.Agent{}, p, "unauthorized", time.Now())

	if result.Outcome != supervisor.OutcomeEscalate {
		t.Fatalf("outcome = %v, want OutcomeEscalate", result.Outcome)
	}
	var sawEmit, sawNotify, sawCancel bool
	for _, e := range result.Effects {
		switch e.Kind {
		case state.EffectEmit:
			sawEmit = true
		case state.EffectNotify:
			sawNotify = true
		case state.EffectCancelTimer:
			sawCancel = true
		}
	}
	if !sawEmit || !sawNotify || !sawCancel {
		t.Fatalf("effects = %+v, want emit+notify+cancel_timer", result.Effects)
	}
}
