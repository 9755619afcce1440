package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
)

// loadRunbook reads the already-resolved runbook object model from path.
// spec.md §1 scopes the TOML surface syntax and its template engine out
// to an external loader; internal/runbook's doc comment says as much —
// by the time a Runbook reaches that package, something else has already
// parsed and resolved it. This reads that "something else"'s output as
// plain JSON shaped exactly like runbook.Runbook's exported fields (Go's
// encoding/json matches object keys to field names case-insensitively
// with no struct tags needed), rather than reimplementing the TOML+
// template surface this daemon doesn't own.
func loadRunbook(path string) (*runbook.Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loadRunbook: %w", err)
	}
	var rb runbook.Runbook
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("loadRunbook: parse %s: %w", path, err)
	}
	return &rb, nil
}

// pipelineAgentResolver walks rb's pipeline-kind phase graph to find the
// runbook.Agent bound to a pipeline's current phase. Only the runtime
// (C10) needs this; internal/state and internal/supervisor stay
// runbook-agnostic beyond the Runbook/Agent types they're handed.
func pipelineAgentResolver(rb *runbook.Runbook) func(p state.Pipeline) (runbook.Agent, bool) {
	return func(p state.Pipeline) (runbook.Agent, bool) {
		pd, ok := rb.Pipelines[p.Kind]
		if !ok {
			return runbook.Agent{}, false
		}
		for _, phase := range pd.Phases {
			if phase.Name != p.Phase {
				continue
			}
			agent, ok := rb.Agents[phase.Agent]
			return agent, ok
		}
		return runbook.Agent{}, false
	}
}
