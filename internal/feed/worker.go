package feed

import (
	"context"
	"sync"
)

// worker runs jobs one at a time in submission order. It is the pipeline's
// data context: every read or write of pipeline state happens inside a job.
//
// submit never blocks, so timer and transport callbacks can hand work over
// without holding up their own goroutines.
type worker struct {
	mu   sync.Mutex
	jobs []func(context.Context)

	// notify is a buffered channel of capacity 1, signalled on submit.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func newWorker() *worker {
	return &worker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *worker) submit(job func(context.Context)) {
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// stop waits for the running job to finish. Queued jobs are dropped.
func (w *worker) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		batch := w.jobs
		w.jobs = nil
		w.mu.Unlock()

		for _, job := range batch {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			default:
			}
			job(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.notify:
		}
	}
}
