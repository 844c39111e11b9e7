package rpcserver

import (
	"runtime"
	"sync"
)

// asyncQueueDepth bounds the AsyncPool's backlog before it falls back to running the
// submitted work on the caller's own goroutine.
const asyncQueueDepth = 1000

// AsyncPool is a fixed-size worker pool for routes that opt out of the default
// per-frame goroutine (router.Offload). It grows from core to max workers under load
// and applies a caller-runs rejection policy once its queue is also full, so a
// saturated pool degrades to synchronous execution rather than dropping work.
type AsyncPool struct {
	core int
	max  int

	tasks chan func()

	mu      sync.Mutex
	running int
	closed  bool
}

// NewAsyncPool returns a pool sized off the host's CPU count.
func NewAsyncPool() *AsyncPool {
	return newAsyncPool(runtime.NumCPU())
}

// NewAsyncPoolWithCore sizes the pool's core worker count from cfg.WorkerPoolSize
// instead of the host's CPU count, so a config file's workerPoolSize takes effect
// instead of being read-but-ignored wire fidelity.
func NewAsyncPoolWithCore(core int) *AsyncPool {
	return newAsyncPool(core)
}

func newAsyncPool(core int) *AsyncPool {
	if core < 1 {
		core = runtime.NumCPU()
	}
	if core < 1 {
		core = 1
	}
	p := &AsyncPool{
		core:  core,
		max:   2 * core,
		tasks: make(chan func(), asyncQueueDepth),
	}
	for i := 0; i < core; i++ {
		p.spawnWorker()
	}
	return p
}

func (p *AsyncPool) spawnWorker() {
	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	go func() {
		for fn := range p.tasks {
			fn()
		}
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()
}

// Submit runs fn on the pool. If every worker is busy and the queue has room, fn waits
// in the queue; if the pool can still grow toward max, a fresh worker is spawned to
// drain it faster; if the queue is also full, fn runs synchronously on the caller's
// goroutine (caller-runs policy) instead of blocking indefinitely or being dropped.
// The enqueue attempts happen under the same lock Close takes, so a Submit racing a
// Close degrades to caller-runs instead of sending on a closed channel.
func (p *AsyncPool) Submit(fn func()) {
	if p.tryEnqueue(fn) {
		return
	}

	p.mu.Lock()
	canGrow := !p.closed && p.running < p.max
	p.mu.Unlock()
	if canGrow {
		p.spawnWorker()
		if p.tryEnqueue(fn) {
			return
		}
	}
	fn()
}

func (p *AsyncPool) tryEnqueue(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// Close stops accepting new workers and drains the queue. Already-queued tasks still
// run; Close does not cancel in-flight work.
func (p *AsyncPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
}
