package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration

	ctx     context.Context
	handler Handler
	pending *sync.WaitGroup
	logger  *zap.Logger
	quit    chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(ctx context.Context, minWorkers, maxWorkers int, idle time.Duration, handler Handler, pending *sync.WaitGroup, logger *zap.Logger) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		ctx:      ctx,
		handler:  handler,
		pending:  pending,
		logger:   logger,
		quit:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnLocked registers a new worker; the caller starts it after unlocking.
func (p *jobChannelPool) spawnLocked() *worker {
	p.nextID++
	w := newWorker(p.nextID, p)
	p.metadata[w.jobs] = &workerMeta{id: w.id, ch: w.jobs}
	p.running++
	return w
}

// spawnWorker adds an idle worker, used to warm the pool up to min.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.spawnLocked()
	meta := p.metadata[w.jobs]
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	w.start()
}

// acquire gets an idle worker, or spawns a new one while under max.
func (p *jobChannelPool) acquire() (chan Job, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch, meta.id
		}
		if p.running < p.max {
			w := p.spawnLocked()
			w.start()
			return w.jobs, w.id
		}
		p.cond.Wait()
	}
}

func (p *jobChannelPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("feedback handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
		}
	}()
	p.handler(p.ctx, job)
}

func (p *jobChannelPool) done() {
	p.pending.Done()
}

// release puts a worker back on the idle list.
func (p *jobChannelPool) release(ch chan Job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire forgets a worker that has exited.
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retires idle workers past the expiry, keeping min alive.
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		p.logger.Debug("retiring idle feedback worker", zap.Int("worker", meta.id))
		meta.ch <- Job{kind: stop}
	}
}

// shutdown stops every idle worker and the expiry loop. Called once all
// pending jobs have finished, so every live worker is idle.
func (p *jobChannelPool) shutdown() {
	close(p.quit)
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, meta := range idle {
		meta.discarded = true
		meta.enqueued = false
	}
	p.mu.Unlock()
	for _, meta := range idle {
		meta.ch <- Job{kind: stop}
	}
}

// size reports running and idle worker counts.
func (p *jobChannelPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}
