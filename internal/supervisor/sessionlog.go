// Package supervisor implements the per-pipeline agent monitor (spec §4.7):
// it tails a running agent's JSONL session log, classifies the last line,
// and turns that classification into effects via the runbook's on_idle/
// on_exit/on_error action chains. Like internal/scheduler, this package
// never mutates MaterializedState directly — it returns effects and a
// pipeline-level Outcome for the runtime (C10) to apply.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SessionState is what a poll of the session log resolves to.
type SessionState string

const (
	StateWorking         SessionState = "working"
	StateWaitingForInput SessionState = "waiting_for_input"
	StateFailed          SessionState = "failed"
	StateUnknown         SessionState = "unknown"
)

// FailureReason classifies a Failed session by the error text's shape, so
// the runbook's on_error map can match a specific category with a
// catch-all fallthrough.
type FailureReason string

const (
	FailureUnauthorized FailureReason = "unauthorized"
	FailureOutOfCredits FailureReason = "out_of_credits"
	FailureNoInternet   FailureReason = "no_internet"
	FailureRateLimited  FailureReason = "rate_limited"
	FailureOther        FailureReason = "other"
)

// Classification is the result of inspecting one session log line.
type Classification struct {
	State   SessionState
	Reason  FailureReason // meaningful only when State == StateFailed
	Message string        // raw error text, meaningful only when State == StateFailed
}

// ClassifyLine applies spec §6.5's total classification rules to the last
// non-empty line of a session log. Any shape this daemon doesn't recognize
// classifies Unknown rather than erroring — the log format is owned by
// the agent, not by this daemon.
func ClassifyLine(line []byte) Classification {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(line, &doc); err != nil {
		return Classification{State: StateUnknown}
	}

	if reason, msg, ok := detectError(doc); ok {
		return Classification{State: StateFailed, Reason: reason, Message: msg}
	}

	switch rawString(doc["type"]) {
	case "assistant":
		switch stopReason(doc) {
		case "end_turn":
			return Classification{State: StateWaitingForInput}
		case "tool_use":
			return Classification{State: StateWorking}
		default:
			return Classification{State: StateUnknown}
		}
	case "user":
		return Classification{State: StateWorking}
	default:
		return Classification{State: StateUnknown}
	}
}

func detectError(doc map[string]json.RawMessage) (FailureReason, string, bool) {
	errMsg := rawString(doc["error"])
	if errMsg == "" {
		if raw, ok := doc["message"]; ok {
			var msg map[string]json.RawMessage
			if err := json.Unmarshal(raw, &msg); err == nil {
				errMsg = rawString(msg["error"])
			}
		}
	}
	if errMsg == "" {
		return "", "", false
	}

	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return FailureUnauthorized, errMsg, true
	case strings.Contains(lower, "credit") || strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return FailureOutOfCredits, errMsg, true
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection") || strings.Contains(lower, "offline"):
		return FailureNoInternet, errMsg, true
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return FailureRateLimited, errMsg, true
	default:
		return FailureOther, errMsg, true
	}
}

func stopReason(doc map[string]json.RawMessage) string {
	raw, ok := doc["message"]
	if !ok {
		return ""
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	return rawString(msg["stop_reason"])
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// TailLastLine returns the last non-empty line of the file at path. It
// reads the whole file on every call rather than tracking an offset,
// matching spec §6.5's "POSIX read-to-EOF on each poll (not inotify)"
// requirement — session logs are small enough that this is cheap compared
// to the 10s poll cadence.
func TailLastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		last = line
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return last, nil
}

// FindSessionLog locates the JSONL log for sessionID under stateDir's
// "projects/<hash>" layout, hashing projectPath the way the adapter that
// writes these logs does. If no file named after sessionID exists, it
// falls back to the newest ".jsonl" in that project directory.
func FindSessionLog(stateDir, projectPath, sessionID string) (string, bool) {
	projectHash := fmt.Sprintf("%x", xxhash.Sum64String(projectPath))
	projectDir := filepath.Join(stateDir, "projects", projectHash)

	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return "", false
	}

	direct := filepath.Join(projectDir, sessionID+".jsonl")
	if _, err := os.Stat(direct); err == nil {
		return direct, true
	}

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return "", false
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); mod > newestMod || newest == "" {
			newest = filepath.Join(projectDir, e.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", false
	}
	return newest, true
}
