package eventloop

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// DiskWorker runs blocking file operations off the network loop, one at a
// time in submission order.
type DiskWorker struct {
	mu    sync.Mutex
	cond  chansync.BroadcastCond
	queue []func()

	closed chansync.SetOnce
	done   chansync.SetOnce
}

func NewDiskWorker() *DiskWorker {
	me := &DiskWorker{}
	go me.run()
	return me
}

// Submit queues fn for the disk thread. The fn posts results back to the
// owning loop itself.
func (me *DiskWorker) Submit(fn func()) {
	me.mu.Lock()
	me.queue = append(me.queue, fn)
	me.mu.Unlock()
	me.cond.Broadcast()
}

func (me *DiskWorker) run() {
	defer me.done.Set()
	for {
		me.mu.Lock()
		for len(me.queue) == 0 {
			signal := me.cond.Signaled()
			me.mu.Unlock()
			select {
			case <-signal:
			case <-me.closed.Done():
				return
			}
			me.mu.Lock()
		}
		fn := me.queue[0]
		me.queue = me.queue[1:]
		me.mu.Unlock()
		fn()
	}
}

// Close stops the worker after the current operation. Queued work is
// dropped.
func (me *DiskWorker) Close() {
	me.closed.Set()
	me.cond.Broadcast()
	<-me.done.Done()
}
