// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteStartupMarker_AppendsLiteralLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	if err := WriteStartupMarker(path, "oj", 4242); err != nil {
		t.Fatalf("WriteStartupMarker() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daemon.log: %v", err)
	}
	want := "--- oj: starting (pid: 4242) ---\n"
	if string(data) != want {
		t.Errorf("daemon.log = %q, want %q", data, want)
	}
}

func TestWriteStartupMarker_AppendsRatherThanTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	if err := WriteStartupMarker(path, "oj", 1); err != nil {
		t.Fatalf("first WriteStartupMarker() error = %v", err)
	}
	if err := WriteStartupMarker(path, "oj", 2); err != nil {
		t.Fatalf("second WriteStartupMarker() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daemon.log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "pid: 1") || !strings.Contains(lines[1], "pid: 2") {
		t.Errorf("lines = %v, want markers for pid 1 then pid 2", lines)
	}
}

func TestLifecycleLogger_LogStartWritesJSONLEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.log")
	logger := NewLifecycleLogger(path)

	if err := logger.LogStart("1.0.0", []string{"--foreground"}, ""); err != nil {
		t.Fatalf("LogStart() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lifecycle.log: %v", err)
	}
	if !strings.Contains(string(data), `"event":"start"`) {
		t.Errorf("lifecycle.log = %q, want a start event", data)
	}
	if !strings.Contains(string(data), `"version":"1.0.0"`) {
		t.Errorf("lifecycle.log = %q, want version 1.0.0", data)
	}
}
