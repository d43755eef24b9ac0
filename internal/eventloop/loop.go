// Package eventloop implements the per-worker timer heap and deferred-job
// queue described for Eventhub's Worker component.
package eventloop

import (
	"container/heap"
	"sync"
	"time"
)

// Job is a zero-argument action enqueued for the loop's next Process call.
type Job func()

// Callback is a timer's fire action.
type Callback func()

type timerEntry struct {
	fireAt   time.Time
	cb       Callback
	repeat   time.Duration // 0 = one-shot
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
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
	*h = old[:n-1]
	return e
}

// Timer is a handle returned by AddTimer, usable to cancel it.
type Timer struct {
	entry *timerEntry
}

// Loop is one worker's event loop: a FIFO job queue plus a min-heap of
// timers. The job queue and timer heap are guarded by a single mutex;
// Timer.Cancel sets its entry's canceled flag without taking that mutex.
// Timer callbacks are invoked after the lock is released so they may
// themselves call AddTimer or AddJob without deadlocking.
type Loop struct {
	mu     sync.Mutex
	jobs   []Job
	timers timerHeap
	now    func() time.Time
}

// New creates an empty event loop. nowFn defaults to time.Now; tests may
// override it to control timer firing deterministically.
func New(nowFn func() time.Time) *Loop {
	if nowFn == nil {
		nowFn = time.Now
	}
	l := &Loop{now: nowFn}
	heap.Init(&l.timers)
	return l
}

// AddTimer schedules cb to fire after delay. If repeat > 0, cb is
// rescheduled for now+repeat after each firing.
func (l *Loop) AddTimer(delay time.Duration, cb Callback, repeat time.Duration) *Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &timerEntry{fireAt: l.now().Add(delay), cb: cb, repeat: repeat}
	heap.Push(&l.timers, e)
	return &Timer{entry: e}
}

// Cancel disarms a timer so it will not fire. Safe to call more than once,
// and safe for an already-fired one-shot timer.
func (t *Timer) Cancel() {
	if t == nil || t.entry == nil {
		return
	}
	t.entry.canceled = true
}

// AddJob appends cb to the job queue, run on the loop's next Process call.
func (l *Loop) AddJob(cb Job) {
	l.mu.Lock()
	l.jobs = append(l.jobs, cb)
	l.mu.Unlock()
}

// Process runs every queued job in order, then fires every timer whose
// fireAt has passed. Repeat timers are reinserted with fireAt = now+repeat.
func (l *Loop) Process() {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = nil
	l.mu.Unlock()

	for _, job := range jobs {
		job()
	}

	now := l.now()
	var due []*timerEntry
	l.mu.Lock()
	for l.timers.Len() > 0 && !l.timers[0].fireAt.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		due = append(due, e)
		if e.repeat > 0 {
			e.fireAt = now.Add(e.repeat)
			e.canceled = false
			heap.Push(&l.timers, e)
		}
	}
	l.mu.Unlock()

	for _, e := range due {
		e.cb()
	}
}

// NextTimerDelay returns 0 if a job is pending, else the delay until the
// next timer fires (0 if already due, maxWait if no timers are scheduled),
// never more than maxWait. Used as the upper bound for the worker's I/O wait.
func (l *Loop) NextTimerDelay(maxWait time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.jobs) > 0 {
		return 0
	}
	if l.timers.Len() == 0 {
		return maxWait
	}
	delay := l.timers[0].fireAt.Sub(l.now())
	if delay < 0 {
		return 0
	}
	if delay > maxWait {
		return maxWait
	}
	return delay
}
