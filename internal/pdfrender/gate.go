package pdfrender

import (
	"context"
	"sync"
	"sync/atomic"
)

// gateJob represents a single task for a worker: one rasterizer run.
type gateJob struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Gate is a fixed pool of workers bounding how many conversions run at once.
// Submission blocks until a worker is free, which is the pipeline's backpressure.
type Gate struct {
	jobs      chan gateJob
	stop      chan struct{}
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	inFlight  atomic.Int64
	size      int
}

// NewGate starts size workers. A non-positive size is treated as one.
func NewGate(size int) *Gate {
	if size <= 0 {
		size = 1
	}

	gate := &Gate{
		jobs: make(chan gateJob),
		stop: make(chan struct{}),
		size: size,
	}

	// Start a pool of worker goroutines.
	for range size {
		gate.waitGroup.Add(1)

		go gate.worker()
	}

	return gate
}

// Size returns the number of workers.
func (gate *Gate) Size() int {
	return gate.size
}

// InFlight returns the number of jobs currently running.
func (gate *Gate) InFlight() int {
	return int(gate.inFlight.Load())
}

// Do waits for a free worker, runs fn on it and returns fn's error. If ctx ends
// before a worker picks the job up, Do returns ctx's error without running fn. Once
// fn has started, Do waits for it to return; fn is expected to honour ctx.
func (gate *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	job := gateJob{
		ctx:  ctx,
		run:  fn,
		done: make(chan error, 1),
	}

	select {
	case gate.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-gate.stop:
		return ErrGateClosed
	}

	return <-job.done
}

// Close stops accepting work and waits for running jobs to finish.
func (gate *Gate) Close() {
	gate.closeOnce.Do(func() {
		close(gate.stop)
	})

	gate.waitGroup.Wait()
}

// worker pulls jobs until the gate is closed.
func (gate *Gate) worker() {
	defer gate.waitGroup.Done()

	for {
		select {
		case job := <-gate.jobs:
			gate.inFlight.Add(1)
			job.done <- gate.runJob(job)
			gate.inFlight.Add(-1)
		case <-gate.stop:
			return
		}
	}
}

// runJob shields the worker from a panicking job.
func (gate *Gate) runJob(job gateJob) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = newPanicError(recovered)
		}
	}()

	if ctxErr := job.ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return job.run(job.ctx)
}
