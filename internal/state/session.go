package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionIdle     SessionStatus = "idle"
	SessionDead     SessionStatus = "dead"
)

// Session is a running agent process inside a terminal multiplexer pane.
type Session struct {
	ID             string
	WorkspaceID    string
	Status         SessionStatus
	LastOutput     string
	LastOutputHash string
	IdleThreshold  time.Duration
	IdleSince      time.Time
	LastHeartbeat  time.Time
	HasLastHeartbeat bool
	DeadReason     string
	CreatedAt      time.Time
}

// SessionCommandKind tags which SessionCommand variant is populated.
type SessionCommandKind string

const (
	SessionCmdOutput    SessionCommandKind = "output"
	SessionCmdTick      SessionCommandKind = "tick"
	SessionCmdHeartbeat SessionCommandKind = "heartbeat"
	SessionCmdExit      SessionCommandKind = "exit"
)

// SessionCommand is the input to Session.Transition.
type SessionCommand struct {
	Kind SessionCommandKind

	OutputHash string // Output: hash of the latest observed output chunk

	Reason string // Exit
}

// Transition applies cmd to s. evaluate_heartbeat's "change in output hash
// is fresh activity" rule lives in the Output case; process_heartbeat's
// separate liveness stream lives in the Heartbeat case.
func (s Session) Transition(cmd SessionCommand, clk clock.Clock) (Session, []Effect) {
	if s.Status == SessionDead {
		return s, nil
	}

	now := clk.Now()
	next := s

	switch cmd.Kind {
	case SessionCmdOutput:
		changed := cmd.OutputHash != s.LastOutputHash
		next.LastOutputHash = cmd.OutputHash
		if changed {
			wasIdle := s.Status == SessionIdle
			next.Status = SessionRunning
			if wasIdle {
				return next, []Effect{
					PersistEffect(wal.Operation{
						Type:              wal.KindSessionTransition,
						SessionTransition: &wal.SessionTransitionOp{ID: s.ID, State: string(SessionRunning)},
					}),
					EmitEffect(NewEvent(EventSessionActive, s.ID, now)),
				}
			}
		}
		return next, nil

	case SessionCmdTick:
		if s.Status == SessionRunning && s.HasLastHeartbeat && now.Sub(s.LastHeartbeat) > s.IdleThreshold {
			next.Status = SessionIdle
			next.IdleSince = now
			return next, []Effect{
				PersistEffect(wal.Operation{
					Type:              wal.KindSessionTransition,
					SessionTransition: &wal.SessionTransitionOp{ID: s.ID, State: string(SessionIdle)},
				}),
				EmitEffect(NewEvent(EventSessionIdle, s.ID, now)),
			}
		}
		return s, nil

	case SessionCmdHeartbeat:
		next.LastHeartbeat = now
		next.HasLastHeartbeat = true
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:             wal.KindSessionHeartbeat,
				SessionHeartbeat: &wal.SessionHeartbeatOp{ID: s.ID, LastHeartbeatMicros: now.UnixMicro()},
			}),
		}

	case SessionCmdExit:
		next.Status = SessionDead
		next.DeadReason = cmd.Reason
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:              wal.KindSessionTransition,
				SessionTransition: &wal.SessionTransitionOp{ID: s.ID, State: string(SessionDead)},
			}),
			EmitEffect(NewEvent(EventSessionDead, s.ID, now).With("reason", cmd.Reason)),
		}
	}

	return s, nil
}
