package toolbridge

import (
	"context"
	"sync"

	"github.com/bt-bridge/realtime-session/transport"
)

const defaultWorkerQueue = 32

type job struct {
	inv   transport.ToolInvocation
	epoch uint64
}

// Worker runs invocations one at a time in submission order, off the event
// loop. Each job carries the caller's epoch so the caller can tell whether
// its turn has moved on by the time the result arrives.
type Worker struct {
	bridge *Bridge
	onDone func(res Result, epoch uint64)

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func NewWorker(bridge *Bridge, onDone func(res Result, epoch uint64)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bridge: bridge,
		onDone: onDone,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, defaultWorkerQueue),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues an invocation, waiting while the queue is full. It reports
// false once Close has begun.
func (w *Worker) Submit(inv transport.ToolInvocation, epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.jobs <- job{inv: inv, epoch: epoch}:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		res := w.bridge.Handle(w.ctx, j.inv)
		if w.onDone != nil {
			w.onDone(res, j.epoch)
		}
	}
}

// Close stops accepting work, cancels running tools and waits for queued
// results to be delivered.
func (w *Worker) Close() {
	w.once.Do(func() {
		// releases a Submit blocked on a full queue before taking mu
		w.cancel()
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
		w.wg.Wait()
	})
}
