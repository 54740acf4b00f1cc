package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// ErrPoolClosed is returned by pool receives after Close.
var ErrPoolClosed = errors.New("pipeline: pool closed")

// PlanItem is one planned task handed from director to builder. A nil
// Directive means planning failed and the builder should record the
// task as skipped. The sentinel marking the end of planning is a nil
// *PlanItem, never a PlanItem value.
type PlanItem struct {
	Index     int
	Task      migration.Task
	Directive *migration.Directive
	Usage     migration.Usage
}

// PlanPool is the bounded FIFO hand-off between director and builder.
// Capacity bounds how far planning may run ahead of building.
type PlanPool struct {
	ch chan *PlanItem
}

// NewPlanPool creates a pool holding at most size items.
func NewPlanPool(size int) *PlanPool {
	if size <= 0 {
		size = 4
	}
	return &PlanPool{ch: make(chan *PlanItem, size)}
}

// Push blocks until the item is accepted, ctx is done, or stop closes.
// The stop channel matters when the receiving role has already exited:
// without it a full pool would strand the sender.
func (p *PlanPool) Push(ctx context.Context, stop <-chan struct{}, item *PlanItem) error {
	select {
	case p.ch <- item:
		return nil
	case <-stop:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushSentinel enqueues the end-of-planning marker. Exactly one
// sentinel is pushed per run, after the last task.
func (p *PlanPool) PushSentinel(ctx context.Context, stop <-chan struct{}) error {
	return p.Push(ctx, stop, nil)
}

// Pull blocks for the next item. A (nil, nil) return is the sentinel.
func (p *PlanPool) Pull(ctx context.Context, stop <-chan struct{}) (*PlanItem, error) {
	select {
	case item := <-p.ch:
		return item, nil
	case <-stop:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many items are queued.
func (p *PlanPool) Len() int { return len(p.ch) }

// RemediationItem is one fix to service. Either FixedChange is set (a
// deterministic fix that already re-audited clean) or Directive names
// the file the builder should regenerate.
type RemediationItem struct {
	File        string
	TaskID      string
	TaskIndex   int
	Findings    []audit.Finding
	Change      migration.Change
	Directive   *migration.Directive
	FixedChange *migration.Change

	// Priority orders servicing; lower values are serviced first.
	// Equal priorities keep arrival order.
	Priority int
	seq      uint64
}

// RemediationPool is a priority queue of fixes. Ordering is
// (Priority, arrival); receives block until an item arrives or the
// pool closes.
type RemediationPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  remHeap
	seq    uint64
	closed bool
}

// NewRemediationPool creates an empty pool.
func NewRemediationPool() *RemediationPool {
	p := &RemediationPool{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Push enqueues an item. Push after Close is a no-op.
func (p *RemediationPool) Push(item *RemediationItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	item.seq = p.seq
	p.seq++
	heap.Push(&p.items, item)
	p.cond.Signal()
}

// TryPop returns the highest-priority item without blocking.
func (p *RemediationPool) TryPop() (*RemediationItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.items.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&p.items).(*RemediationItem), true
}

// Pop blocks until an item is available. After Close it keeps
// returning queued items until the pool drains, then ErrPoolClosed.
func (p *RemediationPool) Pop(ctx context.Context) (*RemediationItem, error) {
	// Wake the cond waiter if the context dies while we block.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.items.Len() == 0 {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.cond.Wait()
	}
	return heap.Pop(&p.items).(*RemediationItem), nil
}

// Close marks the pool final and wakes blocked receivers.
func (p *RemediationPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// Len reports how many items are queued.
func (p *RemediationPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len()
}

type remHeap []*RemediationItem

func (h remHeap) Len() int { return len(h) }

func (h remHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h remHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *remHeap) Push(x any) { *h = append(*h, x.(*RemediationItem)) }

func (h *remHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
