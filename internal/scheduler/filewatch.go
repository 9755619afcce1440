package scheduler

import (
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileWatchBridge watches the filesystem paths backing File-sourced
// watchers and requests an early re-poll the instant one changes, so that
// class of watcher isn't stuck waiting out its full CheckInterval between
// polls. The runtime (C10) drains WakeRequests and calls
// Scheduler.FireTimer(watcher:<name>, ...) for each one, exactly as if
// that watcher's own timer had fired.
type FileWatchBridge struct {
	watcher *fsnotify.Watcher
	paths   map[string]string // watched fs path -> watcher name

	WakeRequests chan string
	Errors       chan error
}

// NewFileWatchBridge creates a bridge and registers every enabled
// watcher's "file:" source path with the OS-level notifier.
func NewFileWatchBridge(sources map[string]string) (*FileWatchBridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &FileWatchBridge{
		watcher:      w,
		paths:        map[string]string{},
		WakeRequests: make(chan string, 16),
		Errors:       make(chan error, 4),
	}
	for name, source := range sources {
		kind, rest, _ := strings.Cut(source, ":")
		if kind != "file" {
			continue
		}
		dir := parentDir(rest)
		if err := w.Add(dir); err != nil {
			continue // best-effort: a missing directory just means no early wakeup for this watcher
		}
		b.paths[rest] = name
	}
	return b, nil
}

// Run drains the OS notifier until stop is closed, translating matching
// writes into watcher-triggered events. It runs in its own goroutine,
// started by the caller that builds the bridge; the runtime does not
// start it.
func (b *FileWatchBridge) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			b.watcher.Close()
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name, ok := b.paths[ev.Name]
			if !ok {
				continue
			}
			select {
			case b.WakeRequests <- name:
			default:
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			select {
			case b.Errors <- err:
			default:
			}
		}
	}
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
