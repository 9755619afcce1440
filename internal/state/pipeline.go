package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// PipelinePhaseStatus is the status of the pipeline's current phase.
type PipelinePhaseStatus string

const (
	PhasePending   PipelinePhaseStatus = "pending"
	PhaseRunning   PipelinePhaseStatus = "running"
	PhaseWaiting   PipelinePhaseStatus = "waiting"
	PhaseCompleted PipelinePhaseStatus = "completed"
	PhaseFailed    PipelinePhaseStatus = "failed"
)

// Reserved phase names. Any other phase name must be declared by the
// runbook pipeline kind this pipeline instantiates (validated by the
// runtime, not by this package, since only the runtime knows the runbook).
const (
	PhaseInit = "init"
	PhaseDone = "done"
	PhaseFail = "failed"
)

// RunbookPhaseOutputKey is where a dynamic pipeline remembers which
// runbook-declared phase it is in; the phase field itself only ever holds
// one of the reserved names plus whatever the runbook calls its phases, but
// callers resolving "next" consult this slot rather than reparsing phase.
const RunbookPhaseOutputKey = "_runbook_phase"

// Pipeline is a running instance of a runbook-declared multi-phase
// workflow.
type Pipeline struct {
	ID             string
	Kind           string
	Name           string
	Phase          string
	PhaseStatus    PipelinePhaseStatus
	Inputs         map[string]string
	Outputs        map[string]string
	WorkspacePath  string
	SessionID      string
	CurrentTaskID  string
	Error          string
	BlockedWaitingOn string
	BlockedGuardID string
	CreatedAt      time.Time
	PhaseStartedAt time.Time
}

// Terminal reports whether the pipeline has reached a phase from which no
// further event may mutate it.
func (p Pipeline) Terminal() bool {
	return p.Phase == PhaseDone || p.Phase == PhaseFail
}

// PipelineCommandKind tags which PipelineCommand variant is populated.
type PipelineCommandKind string

const (
	PipelinePhaseComplete         PipelineCommandKind = "phase_complete"
	PipelinePhaseFailedRecoverable PipelineCommandKind = "phase_failed_recoverable"
	PipelinePhaseFailed           PipelineCommandKind = "phase_failed"
	PipelineUnblocked             PipelineCommandKind = "unblocked"
	PipelineRequestCheckpoint     PipelineCommandKind = "request_checkpoint"
	PipelineRestore               PipelineCommandKind = "restore"
	PipelineAdvance               PipelineCommandKind = "advance" // runtime-resolved next phase, following PhaseComplete
)

// PipelineCommand is the input to Pipeline.Transition.
type PipelineCommand struct {
	Kind PipelineCommandKind

	Outputs map[string]string // PhaseComplete: new/merged outputs

	Reason string // PhaseFailedRecoverable / PhaseFailed
	WaitingOn string
	GuardID   string

	NextPhase string // Advance: runtime-resolved next phase name, or PhaseDone

	Checkpoint *PipelineCheckpoint // Restore
}

// PipelineCheckpoint is the state snapshotted by RequestCheckpoint and
// restored by Restore.
type PipelineCheckpoint struct {
	Phase   string
	Outputs map[string]string
}

// Transition applies cmd to p, returning the next state and the effects the
// executor must perform. Transition never mutates p or observes anything
// beyond its own fields and clk.
func (p Pipeline) Transition(cmd PipelineCommand, clk clock.Clock) (Pipeline, []Effect) {
	if p.Terminal() {
		return p, nil
	}

	now := clk.Now()

	switch cmd.Kind {
	case PipelinePhaseComplete:
		next := p
		next.PhaseStatus = PhaseCompleted
		if cmd.Outputs != nil {
			next.Outputs = mergeStringMaps(next.Outputs, cmd.Outputs)
		}
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:        p.ID,
					FromPhase: p.Phase,
					ToPhase:   p.Phase,
					Outputs:   next.Outputs,
				},
			}),
			EmitEffect(NewEvent(EventPipelinePhase, p.ID, now)),
		}

	case PipelineAdvance:
		next := p
		next.Phase = cmd.NextPhase
		next.PhaseStartedAt = now
		next.PhaseStatus = PhasePending
		if next.Outputs == nil {
			next.Outputs = map[string]string{}
		}
		next.Outputs[RunbookPhaseOutputKey] = cmd.NextPhase

		effects := []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:        p.ID,
					FromPhase: p.Phase,
					ToPhase:   cmd.NextPhase,
					Outputs:   next.Outputs,
				},
			}),
		}
		if cmd.NextPhase == PhaseDone {
			effects = append(effects, EmitEffect(NewEvent(EventPipelineComplete, p.ID, now)))
		} else {
			effects = append(effects, EmitEffect(NewEvent(EventPipelinePhase, p.ID, now)))
		}
		return next, effects

	case PipelinePhaseFailedRecoverable:
		next := p
		next.PhaseStatus = PhaseWaiting
		next.BlockedWaitingOn = cmd.WaitingOn
		next.BlockedGuardID = cmd.GuardID
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:               p.ID,
					FromPhase:        p.Phase,
					ToPhase:          p.Phase,
					BlockedWaitingOn: strPtr(cmd.WaitingOn),
					BlockedGuardID:   strPtr(cmd.GuardID),
				},
			}),
			EmitEffect(NewEvent(EventPipelineBlocked, p.ID, now).With("waiting_on", cmd.WaitingOn)),
		}

	case PipelineUnblocked:
		next := p
		next.PhaseStatus = PhaseRunning
		next.BlockedWaitingOn = ""
		next.BlockedGuardID = ""
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:        p.ID,
					FromPhase: p.Phase,
					ToPhase:   p.Phase,
				},
			}),
			EmitEffect(NewEvent(EventPipelineResumed, p.ID, now)),
		}

	case PipelinePhaseFailed:
		next := p
		next.Phase = PhaseFail
		next.PhaseStatus = PhaseFailed
		next.Error = cmd.Reason
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:           p.ID,
					FromPhase:    p.Phase,
					ToPhase:      PhaseFail,
					FailedReason: strPtr(cmd.Reason),
				},
			}),
			EmitEffect(NewEvent(EventPipelineFailed, p.ID, now).With("reason", cmd.Reason)),
		}

	case PipelineRequestCheckpoint:
		return p, []Effect{
			{
				Kind: EffectSaveCheckpoint,
				SaveCheckpoint: struct {
					PipelineID string
					Phase      string
					Outputs    map[string]string
				}{PipelineID: p.ID, Phase: p.Phase, Outputs: p.Outputs},
			},
		}

	case PipelineRestore:
		if cmd.Checkpoint == nil {
			return p, nil
		}
		next := p
		next.Phase = cmd.Checkpoint.Phase
		next.Outputs = mergeStringMaps(nil, cmd.Checkpoint.Outputs)
		next.PhaseStatus = PhaseRunning
		next.PhaseStartedAt = now
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindPipelineTransition,
				PipelineTransition: &wal.PipelineTransitionOp{
					ID:        p.ID,
					FromPhase: p.Phase,
					ToPhase:   next.Phase,
					Outputs:   next.Outputs,
				},
			}),
			EmitEffect(NewEvent(EventPipelineRestored, p.ID, now)),
		}
	}

	return p, nil
}

func mergeStringMaps(base, overlay map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
