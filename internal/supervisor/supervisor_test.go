package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/supervisor"
)

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func fixedAgentLookup(agent runbook.Agent) func(state.Pipeline) (runbook.Agent, bool) {
	return func(state.Pipeline) (runbook.Agent, bool) { return agent, true }
}

func TestSupervisor_TickNudgesOnWaitingForInput(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "s1.jsonl", `{"type":"assistant","message":{"stop_reason":"end_turn"}}`+"\n")

	ms := state.NewMaterializedState()
	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", PhaseStatus: state.PhaseRunning, SessionID: "s1"}

	agent := runbook.Agent{
		OnIdle: runbook.ActionChain{Steps: []runbook.ActionStep{{Kind: runbook.ActionNudge, Message: "continue"}}},
	}
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return logPath, true })
	sup := supervisor.New(&runbook.Runbook{}, locator)

	checks := sup.Tick(ms, fixedAgentLookup(agent), time.Now())
	if len(checks) != 1 || checks[0].Trigger != supervisor.TriggerIdle {
		t.Fatalf("checks = %+v, want one idle check", checks)
	}
	if len(checks[0].Result.Effects) != 1 || checks[0].Result.Effects[0].Kind != state.EffectSend {
		t.Fatalf("result = %+v, want a send effect", checks[0].Result)
	}
}

func TestSupervisor_TickEscalatesOnUnauthorizedError(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "s1.jsonl", `{"error":"Unauthorized: invalid api key"}`+"\n")

	ms := state.NewMaterializedState()
	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", PhaseStatus: state.PhaseRunning, SessionID: "s1"}

	agent := runbook.Agent{
		OnError: map[string]runbook.ActionChain{
			"unauthorized": {Steps: []runbook.ActionStep{{Kind: runbook.ActionEscalate}}},
			"":             {Steps: []runbook.ActionStep{{Kind: runbook.ActionFail}}},
		},
	}
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return logPath, true })
	sup := supervisor.New(&runbook.Runbook{}, locator)

	checks := sup.Tick(ms, fixedAgentLookup(agent), time.Now())
	if len(checks) != 1 || checks[0].Result.Outcome != supervisor.OutcomeEscalate {
		t.Fatalf("checks = %+v, want one escalate outcome", checks)
	}
}

func TestSupervisor_TickFallsThroughToDefaultErrorChain(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "s1.jsonl", `{"error":"something weird happened"}`+"\n")

	ms := state.NewMaterializedState()
	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", PhaseStatus: state.PhaseRunning, SessionID: "s1"}

	agent := runbook.Agent{
		OnError: map[string]runbook.ActionChain{
			"unauthorized": {Steps: []runbook.ActionStep{{Kind: runbook.ActionEscalate}}},
			"":             {Steps: []runbook.ActionStep{{Kind: runbook.ActionFail}}},
		},
	}
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return logPath, true })
	sup := supervisor.New(&runbook.Runbook{}, locator)

	checks := sup.Tick(ms, fixedAgentLookup(agent), time.Now())
	if len(checks) != 1 || checks[0].Result.Outcome != supervisor.OutcomeFail {
		t.Fatalf("checks = %+v, want OutcomeFail via the catch-all chain", checks)
	}
}

func TestSupervisor_TickSkipsNonRunningPipelines(t *testing.T) {
	ms := state.NewMaterializedState()
	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", PhaseStatus: state.PhaseWaiting, SessionID: "s1"}

	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) {
		t.Fatal("locator should not be consulted for a non-running pipeline")
		return "", false
	})
	sup := supervisor.New(&runbook.Runbook{}, locator)

	checks := sup.Tick(ms, fixedAgentLookup(runbook.Agent{}), time.Now())
	if len(checks) != 0 {
		t.Fatalf("checks = %+v, want none", checks)
	}
}

func TestSupervisor_NudgeChainAdvancesThenEscalates(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "s1.jsonl", `{"type":"assistant","message":{"stop_reason":"end_turn"}}`+"\n")

	ms := state.NewMaterializedState()
	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", PhaseStatus: state.PhaseRunning, SessionID: "s1"}

	agent := runbook.Agent{
		OnIdle: runbook.ActionChain{Steps: []runbook.ActionStep{
			{Kind: runbook.ActionNudge, Message: "first nudge"},
			{Kind: runbook.ActionNudge, Message: "second nudge"},
			{Kind: runbook.ActionEscalate},
		}},
	}
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return logPath, true })
	sup := supervisor.New(&runbook.Runbook{}, locator)
	lookup := fixedAgentLookup(agent)

	first := sup.Tick(ms, lookup, time.Now())
	if first[0].Result.Effects[0].Send.Input != "first nudge\n" {
		t.Fatalf("first tick = %+v, want 'first nudge'", first[0].Result)
	}
	second := sup.Tick(ms, lookup, time.Now())
	if second[0].Result.Effects[0].Send.Input != "second nudge\n" {
		t.Fatalf("second tick = %+v, want 'second nudge'", second[0].Result)
	}
	third := sup.Tick(ms, lookup, time.Now())
	if third[0].Result.Outcome != supervisor.OutcomeEscalate {
		t.Fatalf("third tick = %+v, want escalate once the chain is exhausted", third[0].Result)
	}
}

func TestSupervisor_HandleExitUsesOnExitChain(t *testing.T) {
	p := state.Pipeline{ID: "p1", PhaseStatus: state.PhaseRunning, SessionID: "s1", Name: "deploy"}
	agent := runbook.Agent{OnExit: runbook.ActionChain{Steps: []runbook.ActionStep{{Kind: runbook.ActionEscalate}}}}

	sup := supervisor.New(&runbook.Runbook{}, supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return "", false }))
	check := sup.HandleExit(p, agent, time.Now())
	if check.Trigger != supervisor.TriggerExit || check.Result.Outcome != supervisor.OutcomeEscalate {
		t.Fatalf("check = %+v, want exit/escalate", check)
	}
}
