package worker

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/metrics"
)

// ErrQueueFull is returned by TrySubmit when the queue has no room
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned after Stop
var ErrStopped = errors.New("worker pool stopped")

type task func()

// Pool runs submitted tasks on a fixed number of goroutines
type Pool struct {
	wg      sync.WaitGroup
	mu      sync.RWMutex
	jobs    chan task
	stopped bool
}

// NewPool starts n workers behind a queue of the given capacity
func NewPool(n, queue int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &Pool{jobs: make(chan task, queue)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
				run(job)
			}
		}()
	}
	return p
}

// TrySubmit enqueues f without blocking
func (p *Pool) TrySubmit(f func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued tasks and waits for workers to exit
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func run(job task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	job()
}
