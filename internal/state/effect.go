package state

import (
	"time"

	"github.com/oj-run/oj/internal/wal"
)

// EffectKind tags which variant of Effect is populated.
type EffectKind string

const (
	EffectEmit           EffectKind = "emit"
	EffectPersist        EffectKind = "persist"
	EffectSpawn          EffectKind = "spawn"
	EffectSend           EffectKind = "send"
	EffectKill           EffectKind = "kill"
	EffectWorktreeAdd    EffectKind = "worktree_add"
	EffectWorktreeRemove EffectKind = "worktree_remove"
	EffectShell          EffectKind = "shell"
	EffectMerge          EffectKind = "merge"
	EffectSetTimer       EffectKind = "set_timer"
	EffectCancelTimer    EffectKind = "cancel_timer"
	EffectSaveCheckpoint EffectKind = "save_checkpoint"
	EffectNotify         EffectKind = "notify"
	EffectLog            EffectKind = "log"
)

// MergeStrategy selects how a workspace branch is folded back in.
type MergeStrategy string

const (
	MergeFastForward MergeStrategy = "fast_forward"
	MergeRebase      MergeStrategy = "rebase"
	MergeMerge       MergeStrategy = "merge"
)

// Effect is a tagged descriptor of a side effect a pure transition wants
// performed. Transitions never perform effects themselves — they return
// data the executor (C8) interprets, which keeps them serializable,
// reorderable in tests, and replayable after a crash.
type Effect struct {
	Kind EffectKind

	Emit    *Event
	Persist *wal.Operation

	Spawn struct {
		WorkspaceID string
		Command     []string
		Env         map[string]string
		Cwd         string
	}
	Send struct {
		SessionID string
		Input     string
	}
	Kill struct {
		SessionID string
	}
	WorktreeAdd struct {
		Branch string
		Path   string
	}
	WorktreeRemove struct {
		Path string
	}
	Shell struct {
		PipelineID string
		Phase      string
		Command    []string
		Cwd        string
		Env        map[string]string
	}
	Merge struct {
		Path     string
		Branch   string
		Strategy MergeStrategy
	}
	SetTimer struct {
		ID       string
		Duration time.Duration
		Repeat   *time.Duration
	}
	CancelTimer struct {
		ID string
	}
	SaveCheckpoint struct {
		PipelineID string
		Phase      string
		Outputs    map[string]string
	}
	Notify struct {
		Title   string
		Message string
	}
	Log struct {
		Level   string
		Message string
	}
}

// EmitEffect builds an Effect that routes ev onto the event bus.
func EmitEffect(ev Event) Effect {
	return Effect{Kind: EffectEmit, Emit: &ev}
}

// PersistEffect builds an Effect that durably appends op before anything
// else in the batch is executed.
func PersistEffect(op wal.Operation) Effect {
	return Effect{Kind: EffectPersist, Persist: &op}
}

// LogEffect builds an Effect for structured diagnostic logging.
func LogEffect(level, message string) Effect {
	e := Effect{Kind: EffectLog}
	e.Log.Level = level
	e.Log.Message = message
	return e
}

// NotifyEffect builds an Effect that fires a desktop notification.
func NotifyEffect(title, message string) Effect {
	e := Effect{Kind: EffectNotify}
	e.Notify.Title = title
	e.Notify.Message = message
	return e
}

// SetTimerEffect builds an Effect that arms a scheduler timer.
func SetTimerEffect(id string, d time.Duration) Effect {
	e := Effect{Kind: EffectSetTimer}
	e.SetTimer.ID = id
	e.SetTimer.Duration = d
	return e
}

// CancelTimerEffect builds an Effect that disarms a scheduler timer.
func CancelTimerEffect(id string) Effect {
	e := Effect{Kind: EffectCancelTimer}
	e.CancelTimer.ID = id
	return e
}
