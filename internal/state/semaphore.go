package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// SemaphoreHolder is one occupant of a weighted Semaphore slot.
type SemaphoreHolder struct {
	Weight        int64
	Metadata      map[string]string
	LastHeartbeat time.Time
}

// Semaphore is a named weighted-capacity primitive: any number of holders
// may hold it concurrently so long as the sum of their weights never
// exceeds MaxSlots. Stale holders (no heartbeat within StaleThreshold) are
// evicted to make room, mirroring Lock's reclaim rule per-holder.
type Semaphore struct {
	Name           string
	MaxSlots       int64
	StaleThreshold time.Duration
	Holders        map[string]SemaphoreHolder // holder_id -> holder
}

// used returns the sum of weights currently held.
func (s Semaphore) used() int64 {
	var total int64
	for _, h := range s.Holders {
		total += h.Weight
	}
	return total
}

func cloneHolders(h map[string]SemaphoreHolder) map[string]SemaphoreHolder {
	out := make(map[string]SemaphoreHolder, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// SemaphoreCommandKind tags which SemaphoreCommand variant is populated.
type SemaphoreCommandKind string

const (
	SemaphoreCmdAcquire   SemaphoreCommandKind = "acquire"
	SemaphoreCmdRelease   SemaphoreCommandKind = "release"
	SemaphoreCmdHeartbeat SemaphoreCommandKind = "heartbeat"
	SemaphoreCmdTick      SemaphoreCommandKind = "tick"
)

// SemaphoreCommand is the input to Semaphore.Transition.
type SemaphoreCommand struct {
	Kind SemaphoreCommandKind

	HolderID string
	Weight   int64
	Metadata map[string]string
}

// Transition applies cmd to s. On Acquire, stale holders are swept first so
// a request that only fits after reclaiming stale capacity still succeeds
// within the same transition (no separate tick required).
func (s Semaphore) Transition(cmd SemaphoreCommand, clk clock.Clock) (Semaphore, []Effect) {
	now := clk.Now()
	next := s
	next.Holders = cloneHolders(s.Holders)

	switch cmd.Kind {
	case SemaphoreCmdAcquire:
		if _, ok := next.Holders[cmd.HolderID]; ok {
			return s, nil
		}

		var effects []Effect
		if s.StaleThreshold > 0 {
			for id, h := range next.Holders {
				if now.Sub(h.LastHeartbeat) > s.StaleThreshold {
					delete(next.Holders, id)
					effects = append(effects, EmitEffect(NewEvent(EventSemaphoreReclaimed, s.Name, now).With("holder_id", id)))
				}
			}
		}

		usedAfterSweep := Semaphore{Holders: next.Holders}.used()
		if usedAfterSweep+cmd.Weight > s.MaxSlots {
			effects = append(effects, EmitEffect(NewEvent(EventSemaphoreDenied, s.Name, now).With("holder_id", cmd.HolderID)))
			return next, effects
		}

		next.Holders[cmd.HolderID] = SemaphoreHolder{Weight: cmd.Weight, Metadata: cmd.Metadata, LastHeartbeat: now}
		effects = append(effects,
			PersistEffect(wal.Operation{
				Type: wal.KindSemaphoreAcquire,
				SemaphoreAcquire: &wal.SemaphoreAcquireOp{
					SemaphoreName:    s.Name,
					HolderID:         cmd.HolderID,
					Weight:           cmd.Weight,
					AcquiredAtMicros: now.UnixMicro(),
				},
			}),
			EmitEffect(NewEvent(EventSemaphoreAcquired, s.Name, now).With("holder_id", cmd.HolderID).WithMetadata(cmd.Metadata)),
		)
		return next, effects

	case SemaphoreCmdRelease:
		if _, ok := next.Holders[cmd.HolderID]; !ok {
			return s, nil
		}
		delete(next.Holders, cmd.HolderID)
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:             wal.KindSemaphoreRelease,
				SemaphoreRelease: &wal.SemaphoreReleaseOp{SemaphoreName: s.Name, HolderID: cmd.HolderID},
			}),
			EmitEffect(NewEvent(EventSemaphoreReleased, s.Name, now).With("holder_id", cmd.HolderID)),
		}

	case SemaphoreCmdHeartbeat:
		h, ok := next.Holders[cmd.HolderID]
		if !ok {
			return s, nil
		}
		h.LastHeartbeat = now
		next.Holders[cmd.HolderID] = h
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindSemaphoreHeartbeat,
				SemaphoreHeartbeat: &wal.SemaphoreHeartbeatOp{
					SemaphoreName:   s.Name,
					HolderID:        cmd.HolderID,
					HeartbeatMicros: now.UnixMicro(),
				},
			}),
		}

	case SemaphoreCmdTick:
		if s.StaleThreshold <= 0 {
			return s, nil
		}
		var effects []Effect
		for id, h := range next.Holders {
			if now.Sub(h.LastHeartbeat) > s.StaleThreshold {
				effects = append(effects, EmitEffect(NewEvent(EventSemaphoreStale, s.Name, now).With("holder_id", id)))
			}
		}
		return s, effects
	}

	return s, nil
}
