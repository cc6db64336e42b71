package throttle

import (
	"time"

	"github.com/anacrolix/sync"
)

const rateSpan = 60 * time.Second

type rateSample struct {
	when  time.Time
	bytes int64
}

// Rate measures throughput over a sliding 60 second window. Recorded even
// when the owning throttle is unlimited.
type Rate struct {
	mu      sync.Mutex
	samples []rateSample
	total   int64
	started time.Time
}

func NewRate() *Rate {
	return &Rate{started: time.Now()}
}

func (me *Rate) Add(n int64) {
	me.addAt(n, time.Now())
}

func (me *Rate) addAt(n int64, now time.Time) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.trim(now)
	me.samples = append(me.samples, rateSample{now, n})
	me.total += n
}

// Current returns bytes per second over the window.
func (me *Rate) Current() int64 {
	return me.currentAt(time.Now())
}

func (me *Rate) currentAt(now time.Time) int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.trim(now)
	window := now.Sub(me.started)
	if window > rateSpan {
		window = rateSpan
	}
	if window < time.Second {
		window = time.Second
	}
	return me.total * int64(time.Second) / int64(window)
}

// Total returns bytes recorded within the window.
func (me *Rate) Total() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.trim(time.Now())
	return me.total
}

func (me *Rate) trim(now time.Time) {
	cutoff := now.Add(-rateSpan)
	i := 0
	for ; i < len(me.samples) && me.samples[i].when.Before(cutoff); i++ {
		me.total -= me.samples[i].bytes
	}
	me.samples = me.samples[i:]
}
