package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/outbound-caller/pkg/logger"
)

var ErrPoolFull = errors.New("worker pool is full")

type WorkerHandler = func(ctx context.Context, workerIndex int, job interface{})

// WorkerManager distributes jobs over a fixed set of goroutines. Jobs wait in
// a buffered channel; Start blocks until the context is cancelled or Exit is called,
// and then waits for in-flight jobs to return.
type WorkerManager struct {
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	waiter         sync.WaitGroup
	busy           sync.WaitGroup
	exit           chan struct{}
	exitOnce       sync.Once

	mu      sync.Mutex
	running int
}

func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan interface{}, bufferSize),
		exit:           make(chan struct{}),
	}
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue blocks until the job fits in the buffer.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) error {
	select {
	case w.jobChannel <- val:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue never blocks and reports ErrPoolFull when the buffer is full.
func (w *WorkerManager) TryEnqueue(val interface{}) error {
	select {
	case w.jobChannel <- val:
		return nil
	default:
		return ErrPoolFull
	}
}

// Load is the share of busy workers, counting queued jobs as busy.
func (w *WorkerManager) Load() float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float32(w.running+len(w.jobChannel)) / float32(w.numberOfWorker)
}

// HasCapacity reports whether a new job would start without waiting.
func (w *WorkerManager) HasCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running+len(w.jobChannel) < w.numberOfWorker
}

func (w *WorkerManager) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *WorkerManager) Pending() int {
	return len(w.jobChannel)
}

func (w *WorkerManager) Start(ctx context.Context) error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}

	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.exit:
					return
				case job := <-w.jobChannel:
					w.run(ctx, index, job)
				}
			}
		}(i)
	}
	w.waiter.Wait()
	w.busy.Wait()

	return nil
}

func (w *WorkerManager) run(ctx context.Context, index int, job interface{}) {
	w.mu.Lock()
	w.running++
	w.mu.Unlock()
	w.busy.Add(1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker recovered from panic", "worker", index, "panic", r)
		}
		w.mu.Lock()
		w.running--
		w.mu.Unlock()
		w.busy.Done()
	}()

	w.do(ctx, index, job)
}

// Exit stops the workers from taking new jobs. Safe to call more than once.
func (w *WorkerManager) Exit() {
	w.exitOnce.Do(func() {
		logger.Info("worker manager is shutting down", "running", w.Running(), "pending", w.Pending())
		close(w.exit)
	})
}
