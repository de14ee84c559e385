package pipeline

import (
	"context"
	"sync"
)

// WorkerPool runs fn over a list of arguments on a fixed number of
// goroutines and hands the results back in submission order.
type WorkerPool[T, R any] struct {
	workers    int
	chunkSize  int
	workerFunc func(context.Context, T) (R, error)
}

func NewWorkerPool[T, R any](workers, chunkSize int, workerFunc func(context.Context, T) (R, error)) *WorkerPool[T, R] {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &WorkerPool[T, R]{
		workers:    workers,
		chunkSize:  chunkSize,
		workerFunc: workerFunc,
	}
}

type span struct {
	start, end int
}

type chunkResult struct {
	chunk int
	err   error
}

// Run calls yield for every argument index in order, each with its result.
// yield is only ever called from the calling goroutine. The first error from
// the worker function or from yield cancels the remaining work and is
// returned. With zero workers everything runs on the calling goroutine.
func (wp *WorkerPool[T, R]) Run(ctx context.Context, args []T, yield func(int, R) error) error {
	if wp.workers <= 0 {
		return wp.runSequential(ctx, args, yield)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := splitChunks(len(args), wp.chunkSize)
	slots := make([]R, len(args))

	taskQueue := make(chan int, wp.workers*2)
	completed := make(chan chunkResult, len(chunks))

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, &wg, args, chunks, slots, taskQueue, completed)
	}

	go func() {
		defer close(taskQueue)
		for c := range chunks {
			select {
			case taskQueue <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(completed)
	}()

	finished := make([]bool, len(chunks))
	next := 0
	var firstErr error
	for res := range completed {
		if firstErr != nil {
			continue
		}
		if res.err != nil {
			firstErr = res.err
			cancel()
			continue
		}
		finished[res.chunk] = true
		for firstErr == nil && next < len(chunks) && finished[next] {
			for i := chunks[next].start; i < chunks[next].end; i++ {
				if err := yield(i, slots[i]); err != nil {
					firstErr = err
					cancel()
					break
				}
				var zero R
				slots[i] = zero
			}
			next++
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if next < len(chunks) {
		return ctx.Err()
	}
	return nil
}

func (wp *WorkerPool[T, R]) worker(ctx context.Context, wg *sync.WaitGroup, args []T, chunks []span, slots []R, taskQueue <-chan int, completed chan<- chunkResult) {
	defer wg.Done()

	for c := range taskQueue {
		var err error
		for i := chunks[c].start; i < chunks[c].end; i++ {
			if err = ctx.Err(); err != nil {
				break
			}
			var r R
			if r, err = wp.workerFunc(ctx, args[i]); err != nil {
				break
			}
			slots[i] = r
		}
		completed <- chunkResult{chunk: c, err: err}
	}
}

func (wp *WorkerPool[T, R]) runSequential(ctx context.Context, args []T, yield func(int, R) error) error {
	for i, a := range args {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := wp.workerFunc(ctx, a)
		if err != nil {
			return err
		}
		if err := yield(i, r); err != nil {
			return err
		}
	}
	return nil
}

func splitChunks(n, size int) []span {
	chunks := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		chunks = append(chunks, span{start: start, end: end})
	}
	return chunks
}
