package worker

import (
	"context"
	"time"

	"copydesk/internal/models"
)

type jobKind int

const (
	deliver jobKind = iota
	stop
)

// Job is one feedback delivery. Key groups jobs for fair scheduling; jobs
// sharing a key run in submission order, different keys take turns.
type Job struct {
	ID       string
	Key      string
	Feedback models.Feedback
	Queued   time.Time

	kind jobKind
}

// Handler performs one delivery. It owns retries and bookkeeping; the pool
// only schedules.
type Handler func(ctx context.Context, job Job)

type worker struct {
	id   int
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{id: id, pool: pool, jobs: make(chan Job)}
}

func (w *worker) start() {
	go func() {
		for job := range w.jobs {
			if job.kind == stop {
				w.pool.retire(w.jobs)
				return
			}
			w.pool.run(job)
			// back in the idle list before the job counts as finished
			w.pool.release(w.jobs)
			w.pool.done()
		}
	}()
}
