package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/jq"
	"github.com/oj-run/oj/internal/state"
)

// DefaultSourceFetcher resolves a WatcherDef's Source string against live
// MaterializedState, the filesystem, a shell command, or an HTTP endpoint,
// grounded on the production fetcher's source-kind dispatch.
type DefaultSourceFetcher struct {
	ms         *state.MaterializedState
	clk        clock.Clock
	jq         *jq.Executor
	httpClient *http.Client
	shellTimeout time.Duration
}

// NewDefaultSourceFetcher builds a DefaultSourceFetcher reading from ms.
func NewDefaultSourceFetcher(ms *state.MaterializedState, clk clock.Clock) *DefaultSourceFetcher {
	return &DefaultSourceFetcher{
		ms:           ms,
		clk:          clk,
		jq:           jq.NewExecutor(0, 0),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		shellTimeout: 10 * time.Second,
	}
}

// Fetch implements SourceFetcher.
func (f *DefaultSourceFetcher) Fetch(source string, ctx FetchContext) (SourceValue, error) {
	kind, rest, _ := strings.Cut(source, ":")
	now := f.clk.Now()

	switch kind {
	case "session":
		return f.fetchSession(rest, now)
	case "task":
		return f.fetchTask(rest)
	case "pipeline":
		return f.fetchPipeline(rest, now)
	case "queue":
		return f.fetchQueue(rest)
	case "events":
		return f.fetchEvents(rest)
	case "command":
		return f.fetchCommand(rest, ctx)
	case "file":
		return f.fetchFile(rest, ctx)
	case "http":
		return f.fetchHTTP(rest, ctx)
	default:
		return SourceValue{}, fmt.Errorf("scheduler: unrecognized source %q", source)
	}
}

func (f *DefaultSourceFetcher) fetchSession(name string, now time.Time) (SourceValue, error) {
	s, ok := f.ms.Sessions[name]
	if !ok {
		return SourceValue{}, fmt.Errorf("scheduler: session %q not found", name)
	}
	var idle time.Duration
	switch {
	case s.Status == state.SessionIdle && !s.IdleSince.IsZero():
		idle = now.Sub(s.IdleSince)
	case s.HasLastHeartbeat:
		idle = now.Sub(s.LastHeartbeat)
	}
	return SourceValue{Kind: SourceIdle, Idle: idle}, nil
}

func (f *DefaultSourceFetcher) fetchTask(id string) (SourceValue, error) {
	t, ok := f.ms.Tasks[id]
	if !ok {
		return SourceValue{}, fmt.Errorf("scheduler: task %q not found", id)
	}
	return SourceValue{Kind: SourceTaskState, TaskState: string(t.Status), TaskPhase: t.Phase}, nil
}

func (f *DefaultSourceFetcher) fetchPipeline(id string, now time.Time) (SourceValue, error) {
	p, ok := f.ms.Pipelines[id]
	if !ok {
		return SourceValue{}, fmt.Errorf("scheduler: pipeline %q not found", id)
	}
	var dur time.Duration
	if !p.PhaseStartedAt.IsZero() {
		dur = now.Sub(p.PhaseStartedAt)
	}
	return SourceValue{Kind: SourceState, State: p.Phase, StateDuration: dur}, nil
}

func (f *DefaultSourceFetcher) fetchQueue(name string) (SourceValue, error) {
	q := f.ms.Queues[name]
	return SourceValue{Kind: SourceNumeric, Numeric: int64(len(q.Items))}, nil
}

func (f *DefaultSourceFetcher) fetchEvents(pattern string) (SourceValue, error) {
	var count int
	for _, ev := range f.ms.RecentEvents {
		if state.MatchesPattern(pattern, ev.Name) {
			count++
		}
	}
	return SourceValue{Kind: SourceEventCount, EventCount: count}, nil
}

func (f *DefaultSourceFetcher) fetchCommand(command string, ctx FetchContext) (SourceValue, error) {
	interpolated := interpolate(command, ctx.Variables)

	execCtx, cancel := context.WithTimeout(context.Background(), f.shellTimeout)
	defer cancel()
	cmd := exec.CommandContext(execCtx, "sh", "-c", interpolated)
	out, err := cmd.Output()
	if err != nil {
		return SourceValue{}, fmt.Errorf("scheduler: command %q: %w", interpolated, err)
	}
	return f.parseBody(strings.TrimSpace(string(out)), ctx.Extract)
}

func (f *DefaultSourceFetcher) fetchFile(pattern string, ctx FetchContext) (SourceValue, error) {
	path := pattern
	if strings.ContainsAny(pattern, "*?[") {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return SourceValue{}, fmt.Errorf("scheduler: glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return SourceValue{}, fmt.Errorf("scheduler: glob %q matched no files", pattern)
		}
		path = newestFile(matches)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return SourceValue{}, fmt.Errorf("scheduler: read %q: %w", path, err)
	}
	return f.parseBody(strings.TrimSpace(string(content)), ctx.Extract)
}

func (f *DefaultSourceFetcher) fetchHTTP(url string, ctx FetchContext) (SourceValue, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return SourceValue{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return SourceValue{}, fmt.Errorf("scheduler: http get %q: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SourceValue{}, fmt.Errorf("scheduler: read response body: %w", err)
	}
	return f.parseBody(strings.TrimSpace(string(body)), ctx.Extract)
}

// parseBody classifies trimmed command/file/http output into a
// SourceValue: JSON first (optionally narrowed by a jq extract
// expression), then integer, then duration, falling back to raw text.
func (f *DefaultSourceFetcher) parseBody(trimmed string, extract string) (SourceValue, error) {
	var parsed any
	if json.Unmarshal([]byte(trimmed), &parsed) == nil {
		if extract != "" {
			result, err := f.jq.Eval(context.Background(), extract, parsed)
			if err != nil {
				return SourceValue{}, err
			}
			parsed = result
		}
		return jsonToSourceValue(parsed), nil
	}

	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return SourceValue{Kind: SourceNumeric, Numeric: n}, nil
	}
	if d, err := time.ParseDuration(trimmed); err == nil {
		return SourceValue{Kind: SourceIdle, Idle: d}, nil
	}
	return SourceValue{Kind: SourceText, Text: trimmed}, nil
}

func jsonToSourceValue(v any) SourceValue {
	switch val := v.(type) {
	case float64:
		return SourceValue{Kind: SourceNumeric, Numeric: int64(val)}
	case bool:
		return SourceValue{Kind: SourceBoolean, Boolean: val}
	case string:
		return SourceValue{Kind: SourceText, Text: val}
	case map[string]any:
		if secs, ok := val["idle_seconds"].(float64); ok {
			return SourceValue{Kind: SourceIdle, Idle: time.Duration(secs) * time.Second}
		}
		if count, ok := val["count"].(float64); ok {
			return SourceValue{Kind: SourceEventCount, EventCount: int(count)}
		}
		encoded, _ := json.Marshal(val)
		return SourceValue{Kind: SourceText, Text: string(encoded)}
	default:
		encoded, _ := json.Marshal(val)
		return SourceValue{Kind: SourceText, Text: string(encoded)}
	}
}

func interpolate(template string, vars map[string]string) string {
	result := template
	for k, v := range vars {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

func newestFile(paths []string) string {
	sort.Slice(paths, func(i, j int) bool {
		fi, erri := os.Stat(paths[i])
		fj, errj := os.Stat(paths[j])
		if erri != nil || errj != nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return paths[0]
}
