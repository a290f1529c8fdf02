package broker

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lingerd/internal/metrics"
)

// task is a unit of engine work.
type task func()

// executor serializes the engine: every core mutation and every timer
// callback runs as a task on exactly one worker goroutine, fed through a
// buffered channel. Per-task panic recovery keeps one misbehaving callback
// from taking down the engine goroutine for good.
//
// The single worker is load-bearing, not a simplification: channel ordering
// and the waiter handoff protocol both assume mutations never interleave.
type executor struct {
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newExecutor(logger zerolog.Logger, queueSize int) *executor {
	ctx, cancel := context.WithCancel(context.Background())
	metrics.ExecutorQueueCapacity.Set(float64(queueSize))
	return &executor{
		queue:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (e *executor) start() {
	e.wg.Add(1)
	go e.run()
}

func (e *executor) run() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.queue:
			e.execute(t)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *executor) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("engine task panicked - recovered, executor continues")
		}
	}()
	t()
}

// submit enqueues fn for asynchronous execution. Used by timer callbacks,
// which must never block the goroutine that fired them.
func (e *executor) submit(fn func()) {
	select {
	case e.queue <- fn:
		metrics.ExecutorQueueDepth.Set(float64(len(e.queue)))
	case <-e.ctx.Done():
	}
}

// do submits fn and blocks until it has run, giving the synchronous,
// serialized call semantics the public Broker API needs while keeping all
// state mutation confined to the single executor goroutine.
func (e *executor) do(fn func()) {
	done := make(chan struct{})
	e.submit(func() {
		defer close(done)
		fn()
	})
	<-done
}

// stop signals the worker to exit and waits for the in-flight task (if any)
// to finish. Queued-but-not-started tasks are abandoned.
func (e *executor) stop() {
	e.cancel()
	e.wg.Wait()
}
