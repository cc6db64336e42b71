// Package eventloop is the engine's scheduler: a single-threaded loop owning
// timers and cross-thread delivery, and a disk worker for blocking I/O. In
// this rendering sockets live on their own goroutines and feed completed
// events into the loop via Post.
package eventloop

import (
	"container/heap"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Timers are rounded to this, matching the scheduler's granularity.
const timerGranularity = time.Millisecond

// A scheduled task. Cancel is safe from the loop thread only.
type Timer struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int // heap position, -1 once popped or cancelled
	loop  *Loop
}

func (me *Timer) Cancel() {
	if me.index >= 0 && me.loop != nil {
		heap.Remove(&me.loop.timers, me.index)
		me.index = -1
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

// Stable among equal deadlines: insertion order breaks ties.
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop runs timers and posted functions on one goroutine.
type Loop struct {
	mu    sync.Mutex
	posts []func()
	wake  chan struct{}

	timers  timerHeap
	nextSeq uint64

	// Monotonic-ish time advanced once per tick; cheap to read from tasks.
	cachedTime time.Time

	closed chansync.SetOnce
	done   chansync.SetOnce
}

func New() *Loop {
	return &Loop{
		wake:       make(chan struct{}, 1),
		cachedTime: time.Now(),
	}
}

// Post queues fn for the loop thread and wakes it. Safe from any goroutine.
func (me *Loop) Post(fn func()) {
	me.mu.Lock()
	me.posts = append(me.posts, fn)
	me.mu.Unlock()
	me.interrupt()
}

func (me *Loop) interrupt() {
	select {
	case me.wake <- struct{}{}:
	default:
	}
}

// Schedule runs fn on the loop after d. Loop thread only.
func (me *Loop) Schedule(d time.Duration, fn func()) *Timer {
	return me.ScheduleAt(me.cachedTime.Add(d), fn)
}

func (me *Loop) ScheduleAt(when time.Time, fn func()) *Timer {
	t := &Timer{
		when: when.Round(timerGranularity),
		seq:  me.nextSeq,
		fn:   fn,
		loop: me,
	}
	me.nextSeq++
	heap.Push(&me.timers, t)
	return t
}

// CachedTime is the time at the start of the current tick.
func (me *Loop) CachedTime() time.Time {
	return me.cachedTime
}

// Run blocks until Close. Every tick: wait until the next deadline or a
// wake-up, drain posted functions, then run due timers.
func (me *Loop) Run() {
	defer me.done.Set()
	for {
		var timeout <-chan time.Time
		var tm *time.Timer
		if len(me.timers) > 0 {
			d := time.Until(me.timers[0].when)
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			timeout = tm.C
		}
		select {
		case <-me.closed.Done():
			if tm != nil {
				tm.Stop()
			}
			return
		case <-me.wake:
		case <-timeout:
		}
		if tm != nil {
			tm.Stop()
		}
		me.cachedTime = time.Now()
		me.runPosts()
		me.runDue()
	}
}

func (me *Loop) runPosts() {
	for {
		me.mu.Lock()
		posts := me.posts
		me.posts = nil
		me.mu.Unlock()
		if len(posts) == 0 {
			return
		}
		for _, fn := range posts {
			fn()
		}
	}
}

func (me *Loop) runDue() {
	for len(me.timers) > 0 && !me.timers[0].when.After(me.cachedTime) {
		t := heap.Pop(&me.timers).(*Timer)
		t.fn()
	}
}

func (me *Loop) Close() {
	me.closed.Set()
	me.interrupt()
}

// Done is closed once Run has returned.
func (me *Loop) Done() <-chan struct{} {
	return me.done.Done()
}
