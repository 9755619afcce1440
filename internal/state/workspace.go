package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// WorkspaceStatus is the lifecycle state of a Workspace (git worktree).
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceReady    WorkspaceStatus = "ready"
	WorkspaceInUse    WorkspaceStatus = "in_use"
	WorkspaceDirty    WorkspaceStatus = "dirty"
	WorkspaceStale    WorkspaceStatus = "stale"
)

// Workspace is a git worktree created per pipeline run.
type Workspace struct {
	ID        string
	Name      string
	Path      string
	Branch    string
	Status    WorkspaceStatus
	SessionID string // set while InUse
	CreatedAt time.Time
}

// WorkspaceCommandKind tags which WorkspaceCommand variant is populated.
type WorkspaceCommandKind string

const (
	WorkspaceCmdReady   WorkspaceCommandKind = "ready"
	WorkspaceCmdAcquire WorkspaceCommandKind = "acquire"
	WorkspaceCmdRelease WorkspaceCommandKind = "release"
	WorkspaceCmdDirty   WorkspaceCommandKind = "dirty"
	WorkspaceCmdStale   WorkspaceCommandKind = "stale"
	WorkspaceCmdDelete  WorkspaceCommandKind = "delete"
)

// WorkspaceCommand is the input to Workspace.Transition.
type WorkspaceCommand struct {
	Kind      WorkspaceCommandKind
	SessionID string // Acquire
}

// Transition applies cmd to w.
func (w Workspace) Transition(cmd WorkspaceCommand, clk clock.Clock) (Workspace, []Effect) {
	next := w
	persist := func(status WorkspaceStatus) Effect {
		return PersistEffect(wal.Operation{
			Type:                wal.KindWorkspaceTransition,
			WorkspaceTransition: &wal.WorkspaceTransitionOp{ID: w.ID, State: string(status)},
		})
	}

	switch cmd.Kind {
	case WorkspaceCmdReady:
		next.Status = WorkspaceReady
		return next, []Effect{persist(WorkspaceReady)}

	case WorkspaceCmdAcquire:
		if w.Status != WorkspaceReady {
			return w, nil
		}
		next.Status = WorkspaceInUse
		next.SessionID = cmd.SessionID
		return next, []Effect{persist(WorkspaceInUse)}

	case WorkspaceCmdRelease:
		if w.Status != WorkspaceInUse {
			return w, nil
		}
		next.Status = WorkspaceReady
		next.SessionID = ""
		return next, []Effect{persist(WorkspaceReady)}

	case WorkspaceCmdDirty:
		next.Status = WorkspaceDirty
		return next, []Effect{persist(WorkspaceDirty)}

	case WorkspaceCmdStale:
		next.Status = WorkspaceStale
		return next, []Effect{persist(WorkspaceStale)}

	case WorkspaceCmdDelete:
		if w.Status == WorkspaceInUse {
			return w, nil
		}
		return next, []Effect{PersistEffect(wal.Operation{
			Type:           wal.KindWorkspaceDelete,
			WorkspaceDelete: &wal.WorkspaceDeleteOp{ID: w.ID},
		})}
	}

	return w, nil
}
