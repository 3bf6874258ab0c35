package ring

import (
	"context"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

const queueLength = 64

type Pool struct {
	ring   HashRing
	queues []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts n workers, at least one.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{queues: make([]chan func(), n)}
	for i := range p.queues {
		p.ring.AddWorker(i)
		p.queues[i] = make(chan func(), queueLength)
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

func (p *Pool) work(i int) {
	defer p.wg.Done()
	for fn := range p.queues[i] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[ERROR] Worker %d recovered from panic: %v", i, r)
				}
			}()
			fn()
		}()
	}
}

// WorkerFor returns the worker that runs the operations of key, -1 once
// the pool is closed.
func (p *Pool) WorkerFor(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ring.Lookup(key)
}

// Submit queues fn on the worker of key. It blocks while the queue is
// full.
func (p *Pool) Submit(ctx context.Context, key string, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queues[p.ring.Lookup(key)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the worker of key and waits for its result.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := p.Submit(ctx, key, func() { done <- fn(ctx) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits until queued work has run.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for i, q := range p.queues {
		p.ring.RemoveWorker(i)
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
