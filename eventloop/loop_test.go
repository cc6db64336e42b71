package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) *Loop {
	l := New()
	go l.Run()
	t.Cleanup(func() {
		l.Close()
		<-l.Done()
	})
	return l
}

func TestPostWakesLoop(t *testing.T) {
	l := runLoop(t)
	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("posted function never ran")
	}
}

func TestTimersStableOrder(t *testing.T) {
	l := runLoop(t)
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	l.Post(func() {
		// Same deadline: insertion order must hold.
		when := l.CachedTime().Add(20 * time.Millisecond)
		for i := 0; i < 5; i++ {
			i := i
			l.ScheduleAt(when, func() {
				mu.Lock()
				order = append(order, i)
				if len(order) == 5 {
					close(done)
				}
				mu.Unlock()
			})
		}
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timers never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTimerCancel(t *testing.T) {
	l := runLoop(t)
	fired := make(chan int, 2)
	done := make(chan struct{})
	l.Post(func() {
		tm := l.Schedule(10*time.Millisecond, func() { fired <- 1 })
		tm.Cancel()
		l.Schedule(20*time.Millisecond, func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sentinel timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	default:
	}
}

func TestDeadlineOrdering(t *testing.T) {
	l := runLoop(t)
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	l.Post(func() {
		l.Schedule(30*time.Millisecond, func() {
			mu.Lock()
			order = append(order, "late")
			mu.Unlock()
			close(done)
		})
		l.Schedule(10*time.Millisecond, func() {
			mu.Lock()
			order = append(order, "early")
			mu.Unlock()
		})
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timers never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestDiskWorkerOrdered(t *testing.T) {
	w := NewDiskWorker()
	defer w.Close()
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		w.Submit(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 10 {
				close(done)
			}
			mu.Unlock()
		})
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disk work never completed")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}
