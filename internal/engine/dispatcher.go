package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDispatcherClosed is returned by Submit after Shutdown has begun.
// Submissions are never queued partially: a run is either accepted or the
// caller gets this error.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// TaskHandle identifies a queued execution. It maps 1:1 to a run and exists
// only for the in-memory lifetime of the queued job.
type TaskHandle struct {
	RunID string
	Seq   uint64
}

// Dispatcher is a bounded worker pool draining an unbounded FIFO queue.
// With the default single worker, test executions are fully serialized,
// which is what gives each active run exclusive use of its workspace
// directory — no separate lock is involved.
//
// Callers must commit the run row to storage before Submit: workers read the
// run through an independent storage session, and the dispatcher neither
// waits for nor verifies the write.
type Dispatcher struct {
	exec    func(ctx context.Context, runID string)
	discard func(runID string)
	logger  *slog.Logger
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []TaskHandle
	closed bool
	seq    uint64
	wg     sync.WaitGroup
	// active is guarded by mu. Workers register the cancel func in the
	// same critical section that dequeues the job, so a forced-shutdown
	// sweep can never miss a job that left the queue.
	active map[uint64]context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given pool size. exec runs one
// job; discard is invoked for queue entries dropped when a forced shutdown
// abandons the remaining queue.
func NewDispatcher(workers int, exec func(ctx context.Context, runID string), discard func(runID string), logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		exec:    exec,
		discard: discard,
		logger:  logger,
		workers: workers,
		active:  make(map[uint64]context.CancelFunc),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Submit queues a run for execution in FIFO order and returns its handle.
func (d *Dispatcher) Submit(runID string) (TaskHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return TaskHandle{}, ErrDispatcherClosed
	}

	d.seq++
	h := TaskHandle{RunID: runID, Seq: d.seq}
	d.queue = append(d.queue, h)
	queueDepth.Set(float64(len(d.queue)))
	d.cond.Signal()
	return h, nil
}

// QueueDepth returns the number of queued (not yet started) jobs.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			// closed and drained
			d.mu.Unlock()
			return
		}
		h := d.queue[0]
		d.queue = d.queue[1:]
		queueDepth.Set(float64(len(d.queue)))
		ctx, cancel := context.WithCancel(context.Background())
		d.active[h.Seq] = cancel
		d.mu.Unlock()

		d.logger.Debug("worker picked up run", "worker", id, "run_id", h.RunID)
		d.exec(ctx, h.RunID)

		cancel()
		d.mu.Lock()
		delete(d.active, h.Seq)
		d.mu.Unlock()
	}
}

// Shutdown stops accepting new jobs, waits up to grace for queued and
// in-flight jobs to drain, then force-cancels the remainder: queued jobs are
// handed to the discard callback and in-flight executions get their contexts
// cancelled. Shutdown returns once every worker has exited.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
		d.logger.Warn("shutdown grace period elapsed, force-cancelling remaining runs")
	}

	// Abandon the queued remainder and cancel in-flight executions in one
	// critical section: any job that left the queue is already registered
	// in active, so nothing slips between the two sweeps.
	d.mu.Lock()
	rest := d.queue
	d.queue = nil
	queueDepth.Set(0)
	cancels := make([]context.CancelFunc, 0, len(d.active))
	for _, cancel := range d.active {
		cancels = append(cancels, cancel)
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, h := range rest {
		if d.discard != nil {
			d.discard(h.RunID)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}

	<-done
}
