package domain

import "context"

// Worker is a RunningHandle backed by a single goroutine.
type Worker struct {
	done chan struct{}
	err  error
}

// StartWorker runs fn in a goroutine and returns its handle. fn must return
// promptly once ctx is cancelled.
func StartWorker(ctx context.Context, fn func(ctx context.Context) error) *Worker {
	w := &Worker{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = fn(ctx)
	}()
	return w
}

// Done is closed once the worker has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the worker's result. It is only meaningful after Done is closed.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
