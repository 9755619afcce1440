package scheduler

import (
	"container/heap"
	"time"
)

// timerEntry is one armed state.SetTimerEffect.
type timerEntry struct {
	id     string
	at     time.Time
	repeat *time.Duration
	index  int // heap bookkeeping
}

// timerHeap is a min-heap ordered by fire time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerWheel is the single source of "what fires next" for the daemon's
// event loop: cron intervals, watcher/scanner poll intervals, and guard
// re-evaluation wakeups (state.EffectSetTimer / state.EffectCancelTimer)
// all arm entries here instead of each owning a goroutine and a ticker.
type TimerWheel struct {
	byID map[string]*timerEntry
	heap timerHeap
}

// NewTimerWheel returns an empty wheel.
func NewTimerWheel() *TimerWheel {
	w := &TimerWheel{byID: map[string]*timerEntry{}}
	heap.Init(&w.heap)
	return w
}

// Set arms (or re-arms, replacing any existing entry with the same id) a
// timer to fire at at. A non-nil repeat re-arms the same id that interval
// later each time Pop returns it.
func (w *TimerWheel) Set(id string, at time.Time, repeat *time.Duration) {
	w.Cancel(id)
	e := &timerEntry{id: id, at: at, repeat: repeat}
	w.byID[id] = e
	heap.Push(&w.heap, e)
}

// Cancel disarms id, if armed. A no-op if it was never set or already
// fired and did not repeat.
func (w *TimerWheel) Cancel(id string) {
	e, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if e.index >= 0 && e.index < len(w.heap) {
		heap.Remove(&w.heap, e.index)
	}
}

// Next reports the earliest armed fire time, if any. The runtime event
// loop uses this to size its select's timeout.
func (w *TimerWheel) Next() (time.Time, bool) {
	if w.heap.Len() == 0 {
		return time.Time{}, false
	}
	return w.heap[0].at, true
}

// Pop removes and returns the ids of every timer whose fire time is at or
// before now, re-arming the repeating ones for their next interval.
func (w *TimerWheel) Pop(now time.Time) []string {
	var fired []string
	for w.heap.Len() > 0 && !w.heap[0].at.After(now) {
		e := heap.Pop(&w.heap).(*timerEntry)
		delete(w.byID, e.id)
		fired = append(fired, e.id)
		if e.repeat != nil {
			w.Set(e.id, now.Add(*e.repeat), e.repeat)
		}
	}
	return fired
}

// Len reports the number of armed timers.
func (w *TimerWheel) Len() int { return w.heap.Len() }
