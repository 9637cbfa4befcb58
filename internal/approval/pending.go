package approval

import (
	"sync"
	"time"

	"github.com/MEKXH/waybill/internal/request"
)

// PendingRejection is a reject press waiting for the reviewer's reason.
type PendingRejection struct {
	ReviewerID string
	Request    request.Request
	CreatedAt  time.Time
}

// PendingRejections holds at most one pending rejection per reviewer.
type PendingRejections struct {
	items map[string]PendingRejection
	mu    sync.Mutex
}

// NewPendingRejections creates an empty container.
func NewPendingRejections() *PendingRejections {
	return &PendingRejections{items: make(map[string]PendingRejection)}
}

// Put records p, returning the rejection it replaced, if any.
func (p *PendingRejections) Put(item PendingRejection) (PendingRejection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.items[item.ReviewerID]
	p.items[item.ReviewerID] = item
	return prev, ok
}

// Take removes and returns the reviewer's pending rejection.
func (p *PendingRejections) Take(reviewerID string) (PendingRejection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[reviewerID]
	if ok {
		delete(p.items, reviewerID)
	}
	return item, ok
}

// Has reports whether the reviewer owes a rejection reason.
func (p *PendingRejections) Has(reviewerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[reviewerID]
	return ok
}

func (p *PendingRejections) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Clear drops every pending rejection.
func (p *PendingRejections) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = make(map[string]PendingRejection)
}
