package scheduler

import (
	"context"
	"sync"

	"github.com/risc0/kailua-validator/validator/types"
)

// pool bounds a pipeline stage to a fixed number of concurrent holders.
// Unlike a plain FIFO semaphore, a freed slot is always handed to a waiting
// fault task before any waiting validity task, regardless of arrival order:
// fault proofs defend the chain, fast-forwards merely accelerate it.
type pool struct {
	mu      sync.Mutex
	free    int64
	waiters [2][]chan struct{} // indexed by types.ProofKind
}

func newPool(capacity int64) *pool {
	return &pool{free: capacity}
}

// Acquire blocks until a slot is available or ctx is done.
func (p *pool) Acquire(ctx context.Context, kind types.ProofKind) error {
	p.mu.Lock()
	if p.free > 0 {
		p.free--
		p.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	p.waiters[kind] = append(p.waiters[kind], ready)
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-ready:
			// A slot was handed over concurrently with cancellation; pass
			// it on rather than leaking it.
			p.releaseLocked()
		default:
			p.removeWaiter(kind, ready)
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot, handing it directly to the highest-priority waiter
// if any.
func (p *pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

func (p *pool) releaseLocked() {
	for _, kind := range []types.ProofKind{types.KindFault, types.KindValidity} {
		if len(p.waiters[kind]) > 0 {
			ready := p.waiters[kind][0]
			p.waiters[kind] = p.waiters[kind][1:]
			close(ready)
			return
		}
	}
	p.free++
}

func (p *pool) removeWaiter(kind types.ProofKind, ready chan struct{}) {
	queue := p.waiters[kind]
	for i, w := range queue {
		if w == ready {
			p.waiters[kind] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

// waiting reports queued waiters of the given kind. Test hook.
func (p *pool) waiting(kind types.ProofKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters[kind])
}
