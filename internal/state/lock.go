package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// LockHolder is the current occupant of a held Lock.
type LockHolder struct {
	HolderID      string
	Metadata      map[string]string
	LastHeartbeat time.Time
}

// Lock is a named mutual-exclusion primitive with heartbeat-based stale
// reclaim: a holder that stops heartbeating for longer than StaleThreshold
// may be displaced by the next acquirer.
type Lock struct {
	Name              string
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	Holder            *LockHolder // nil when free
}

// LockCommandKind tags which LockCommand variant is populated.
type LockCommandKind string

const (
	LockCmdAcquire   LockCommandKind = "acquire"
	LockCmdRelease   LockCommandKind = "release"
	LockCmdHeartbeat LockCommandKind = "heartbeat"
	LockCmdTick      LockCommandKind = "tick"
)

// LockCommand is the input to Lock.Transition.
type LockCommand struct {
	Kind LockCommandKind

	HolderID string
	Metadata map[string]string
}

// Transition applies cmd to l.
func (l Lock) Transition(cmd LockCommand, clk clock.Clock) (Lock, []Effect) {
	now := clk.Now()
	next := l

	switch cmd.Kind {
	case LockCmdAcquire:
		if l.Holder == nil {
			next.Holder = &LockHolder{HolderID: cmd.HolderID, Metadata: cmd.Metadata, LastHeartbeat: now}
			return next, []Effect{
				PersistEffect(wal.Operation{
					Type: wal.KindLockAcquire,
					LockAcquire: &wal.LockAcquireOp{
						LockName:          l.Name,
						HolderID:          cmd.HolderID,
						HeartbeatInterval: int64(l.HeartbeatInterval.Seconds()),
						AcquiredAtMicros:  now.UnixMicro(),
					},
				}),
				EmitEffect(NewEvent(EventLockAcquired, l.Name, now).With("holder_id", cmd.HolderID).WithMetadata(cmd.Metadata)),
			}
		}
		if l.Holder.HolderID == cmd.HolderID {
			return l, nil
		}

		stale := l.StaleThreshold > 0 && now.Sub(l.Holder.LastHeartbeat) > l.StaleThreshold
		if !stale {
			return l, []Effect{
				EmitEffect(NewEvent(EventLockDenied, l.Name, now).With("holder_id", cmd.HolderID).With("held_by", l.Holder.HolderID)),
			}
		}

		prevHolder := l.Holder.HolderID
		next.Holder = &LockHolder{HolderID: cmd.HolderID, Metadata: cmd.Metadata, LastHeartbeat: now}
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindLockAcquire,
				LockAcquire: &wal.LockAcquireOp{
					LockName:          l.Name,
					HolderID:          cmd.HolderID,
					HeartbeatInterval: int64(l.HeartbeatInterval.Seconds()),
					AcquiredAtMicros:  now.UnixMicro(),
				},
			}),
			EmitEffect(NewEvent(EventLockReclaimed, l.Name, now).With("from_holder", prevHolder).With("holder_id", cmd.HolderID)),
			EmitEffect(NewEvent(EventLockAcquired, l.Name, now).With("holder_id", cmd.HolderID).WithMetadata(cmd.Metadata)),
		}

	case LockCmdRelease:
		if l.Holder == nil || l.Holder.HolderID != cmd.HolderID {
			return l, nil
		}
		next.Holder = nil
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:        wal.KindLockRelease,
				LockRelease: &wal.LockReleaseOp{LockName: l.Name, HolderID: cmd.HolderID},
			}),
			EmitEffect(NewEvent(EventLockReleased, l.Name, now).With("holder_id", cmd.HolderID)),
		}

	case LockCmdHeartbeat:
		if l.Holder == nil || l.Holder.HolderID != cmd.HolderID {
			return l, nil
		}
		next.Holder = &LockHolder{HolderID: l.Holder.HolderID, Metadata: l.Holder.Metadata, LastHeartbeat: now}
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindLockHeartbeat,
				LockHeartbeat: &wal.LockHeartbeatOp{
					LockName:        l.Name,
					HolderID:        cmd.HolderID,
					HeartbeatMicros: now.UnixMicro(),
				},
			}),
		}

	case LockCmdTick:
		if l.Holder == nil || l.StaleThreshold <= 0 {
			return l, nil
		}
		if now.Sub(l.Holder.LastHeartbeat) > l.StaleThreshold {
			return l, []Effect{
				EmitEffect(NewEvent(EventLockStale, l.Name, now).With("holder_id", l.Holder.HolderID)),
			}
		}
		return l, nil
	}

	return l, nil
}
