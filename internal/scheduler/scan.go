package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/state"
)

// DefaultResourceScanner lists the resources live under one of a
// ScannerDef's well-known Source strings, reading straight out of
// MaterializedState so a scan never races with the write-ahead log.
type DefaultResourceScanner struct {
	ms  *state.MaterializedState
	clk clock.Clock

	shellTimeout time.Duration
}

// NewDefaultResourceScanner builds a DefaultResourceScanner reading from ms.
func NewDefaultResourceScanner(ms *state.MaterializedState, clk clock.Clock) *DefaultResourceScanner {
	return &DefaultResourceScanner{ms: ms, clk: clk, shellTimeout: 10 * time.Second}
}

// Scan implements ResourceScanner.
func (s *DefaultResourceScanner) Scan(source string) ([]ResourceInfo, error) {
	now := s.clk.Now()
	switch {
	case source == "locks":
		return s.scanLocks(now), nil
	case source == "semaphores":
		return s.scanSemaphores(now), nil
	case source == "worktrees":
		return s.scanWorktrees(now), nil
	case source == "pipelines":
		return s.scanPipelines(now), nil
	case source == "sessions":
		return s.scanSessions(now), nil
	case source == "tasks":
		return s.scanTasks(now), nil
	case strings.HasPrefix(source, "queue:"):
		return s.scanQueue(strings.TrimPrefix(source, "queue:"), now), nil
	case strings.HasPrefix(source, "command:"):
		return s.scanCommand(strings.TrimPrefix(source, "command:"))
	default:
		return nil, fmt.Errorf("scheduler: unrecognized scanner source %q", source)
	}
}

func (s *DefaultResourceScanner) scanLocks(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for name, l := range s.ms.Locks {
		if l.Holder == nil {
			continue
		}
		out = append(out, ResourceInfo{
			ID:     name,
			Age:    now.Sub(l.Holder.LastHeartbeat),
			HasAge: true,
			Holder: l.Holder.HolderID,
			State:  "held",
			Metadata: l.Holder.Metadata,
		})
	}
	return out
}

func (s *DefaultResourceScanner) scanSemaphores(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for name, sem := range s.ms.Semaphores {
		for holderID, h := range sem.Holders {
			out = append(out, ResourceInfo{
				ID:     name + ":" + holderID,
				Age:    now.Sub(h.LastHeartbeat),
				HasAge: true,
				Holder: holderID,
				State:  "held",
				Metadata: h.Metadata,
			})
		}
	}
	return out
}

func (s *DefaultResourceScanner) scanWorktrees(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for id, w := range s.ms.Workspaces {
		info := ResourceInfo{ID: id, State: string(w.Status), Holder: w.SessionID}
		if !w.CreatedAt.IsZero() {
			info.Age = now.Sub(w.CreatedAt)
			info.HasAge = true
		}
		out = append(out, info)
	}
	return out
}

func (s *DefaultResourceScanner) scanPipelines(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for id, p := range s.ms.Pipelines {
		info := ResourceInfo{ID: id, State: p.Phase}
		if !p.PhaseStartedAt.IsZero() {
			info.Age = now.Sub(p.PhaseStartedAt)
			info.HasAge = true
		}
		out = append(out, info)
	}
	return out
}

func (s *DefaultResourceScanner) scanSessions(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for id, sess := range s.ms.Sessions {
		info := ResourceInfo{ID: id, State: string(sess.Status)}
		if sess.HasLastHeartbeat {
			info.Age = now.Sub(sess.LastHeartbeat)
			info.HasAge = true
		}
		out = append(out, info)
	}
	return out
}

func (s *DefaultResourceScanner) scanTasks(now time.Time) []ResourceInfo {
	var out []ResourceInfo
	for id, t := range s.ms.Tasks {
		info := ResourceInfo{
			ID:          id,
			State:       string(t.Status),
			Attempts:    int64(t.NudgeCount),
			HasAttempts: true,
		}
		if t.HasLastHeartbeat {
			info.Age = now.Sub(t.LastHeartbeat)
			info.HasAge = true
		}
		out = append(out, info)
	}
	return out
}

func (s *DefaultResourceScanner) scanQueue(name string, now time.Time) []ResourceInfo {
	q, ok := s.ms.Queues[name]
	if !ok {
		return nil
	}
	out := make([]ResourceInfo, 0, len(q.Items))
	for _, item := range q.Items {
		info := ResourceInfo{
			ID:          item.ID,
			Attempts:    item.Attempts,
			HasAttempts: true,
			Metadata:    item.Data,
		}
		if !item.CreatedAt.IsZero() {
			info.Age = now.Sub(item.CreatedAt)
			info.HasAge = true
		}
		out = append(out, info)
	}
	return out
}

// scanCommandResource is the wire shape a command-source scanner expects
// on stdout: a JSON array of objects, one per resource.
type scanCommandResource struct {
	ID          string            `json:"id"`
	AgeSeconds  *int64            `json:"age_seconds"`
	Attempts    *int64            `json:"attempts"`
	Holder      string            `json:"holder"`
	State       string            `json:"state"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *DefaultResourceScanner) scanCommand(command string) ([]ResourceInfo, error) {
	execCtx, cancel := context.WithTimeout(context.Background(), s.shellTimeout)
	defer cancel()
	out, err := exec.CommandContext(execCtx, "sh", "-c", command).Output()
	if err != nil {
		return nil, fmt.Errorf("scheduler: scan command %q: %w", command, err)
	}

	var rows []scanCommandResource
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("scheduler: scan command %q: parse output: %w", command, err)
	}

	result := make([]ResourceInfo, 0, len(rows))
	for _, r := range rows {
		info := ResourceInfo{ID: r.ID, Holder: r.Holder, State: r.State, Metadata: r.Metadata}
		if r.AgeSeconds != nil {
			info.Age = time.Duration(*r.AgeSeconds) * time.Second
			info.HasAge = true
		}
		if r.Attempts != nil {
			info.Attempts = *r.Attempts
			info.HasAttempts = true
		}
		result = append(result, info)
	}
	return result, nil
}
