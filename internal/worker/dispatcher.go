package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy means the queue is full; the job was not accepted.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrDispatcherStopped means Stop has been called.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Config sizes a Dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher queues feedback deliveries and hands them to an elastic pool
// of workers, round-robin across job keys.
type Dispatcher struct {
	pool    *jobChannelPool
	jobs    chan Job
	logger  *zap.Logger
	pending sync.WaitGroup
	cancel  context.CancelFunc

	gate    sync.RWMutex // guards stopped against in-flight Submit calls
	stopped bool
	quit    chan struct{}
	exited  chan struct{}

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with waiting jobs, least recently served first
	positions map[string]*list.Element
}

// NewDispatcher starts the dispatch loop and warms up MinWorkers workers.
func NewDispatcher(cfg Config, handler Handler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobs:      make(chan Job, cfg.QueueSize),
		logger:    logger,
		cancel:    cancel,
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, handler, &d.pending, logger)
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if job.Queued.IsZero() {
		job.Queued = time.Now()
	}
	job.kind = deliver
	d.pending.Add(1)
	select {
	case d.jobs <- job:
		return nil
	default:
		d.pending.Done()
		return ErrDispatcherBusy
	}
}

// Stop refuses new jobs, waits for queued and running ones to finish, then
// stops the workers. If ctx ends first the handlers' context is cancelled
// and ctx.Err is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.gate.Lock()
	if d.stopped {
		d.gate.Unlock()
		return nil
	}
	d.stopped = true
	d.gate.Unlock()

	drained := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-drained
	}
	close(d.quit)
	<-d.exited
	d.pool.shutdown()
	d.cancel()
	return err
}

func (d *Dispatcher) run() {
	defer close(d.exited)
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.jobs:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.jobs:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	ch, workerID := d.pool.acquire()
	d.logger.Debug("dispatching feedback",
		zap.String("job_id", job.ID),
		zap.String("key", key),
		zap.Int("worker", workerID),
		zap.Duration("waited", time.Since(job.Queued)))
	ch <- job
	return true
}

// Workers reports how many workers are running and how many are idle.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}
