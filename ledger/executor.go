package ledger

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// orderedExecutor serializes every state-mutating operation on a single
// ManagedLog (append, mark-delete commit, trim, cursor register/unregister)
// through one blocking queue and a single consumer goroutine, the "ordered
// executor" of spec.md section 5. Pure queries bypass it entirely.
type orderedExecutor struct {
	q        *queue.Queue
	wg       sync.WaitGroup
	disposed bool
	mu       sync.Mutex
}

type executorTask struct {
	run  func()
	done chan struct{}
}

func newOrderedExecutor() *orderedExecutor {
	e := &orderedExecutor{q: queue.New(64)}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *orderedExecutor) loop() {
	defer e.wg.Done()
	for {
		items, err := e.q.Get(1)
		if err != nil {
			// Queue disposed; drain nothing further.
			return
		}
		for _, item := range items {
			task := item.(*executorTask)
			task.run()
			close(task.done)
		}
	}
}

// Submit runs fn on the executor's single consumer goroutine and blocks
// until it completes. Submitting to a disposed executor runs fn inline,
// which only happens during or after Close.
func (e *orderedExecutor) Submit(fn func()) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		fn()
		return
	}
	e.mu.Unlock()

	task := &executorTask{run: fn, done: make(chan struct{})}
	if err := e.q.Put(task); err != nil {
		fn()
		return
	}
	<-task.done
}

// Close disposes the executor's queue and waits for the consumer goroutine
// to exit. Any task already queued but not yet run is abandoned; callers
// must stop submitting before calling Close.
func (e *orderedExecutor) Close() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()
	e.q.Dispose()
	e.wg.Wait()
}
