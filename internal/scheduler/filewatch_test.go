package scheduler_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oj-run/oj/internal/scheduler"
)

func TestFileWatchBridge_WriteTriggersWakeRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	b, err := scheduler.NewFileWatchBridge(map[string]string{"idle-session": "file:" + path})
	if err != nil {
		t.Fatalf("NewFileWatchBridge error: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go b.Run(stop)

	if err := os.WriteFile(path, []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case name := <-b.WakeRequests:
		if name != "idle-session" {
			t.Fatalf("name = %q, want idle-session", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wake request")
	}
}
