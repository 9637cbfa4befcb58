// Package lock tracks the one outstanding request each requester may have
// and releases it automatically when no decision arrives in time.
package lock

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/waybill/internal/request"
)

const defaultTimeout = 10 * time.Minute

var (
	// ErrLocked is returned when the requester already has an outstanding request.
	ErrLocked = errors.New("request already outstanding")
	// ErrClosed is returned after the manager has been shut down.
	ErrClosed = errors.New("lock manager closed")
)

// ExpireFunc is called once, outside the manager's mutex, for every lock that times out.
type ExpireFunc func(req request.Request)

// Entry is a read-only view of a held lock.
type Entry struct {
	Request    request.Request
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type entry struct {
	Entry
	timer *time.Timer
	gen   uint64
}

// Manager owns the per-requester locks and their expiry timers.
type Manager struct {
	timeout  time.Duration
	onExpire ExpireFunc
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
	closed  bool
}

// NewManager creates a lock manager. A non-positive timeout uses the 10 minute default.
func NewManager(timeout time.Duration, onExpire ExpireFunc) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		timeout:  timeout,
		onExpire: onExpire,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// Timeout returns the configured lock duration.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire locks the requester of req and arms the expiry timer.
func (m *Manager) Acquire(req request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[req.RequesterID]; ok {
		return ErrLocked
	}

	m.nextGen++
	gen := m.nextGen
	now := m.now()
	e := &entry{
		Entry: Entry{
			Request:    req,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.timeout),
		},
		gen: gen,
	}
	requesterID := req.RequesterID
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(requesterID, gen) })
	m.entries[requesterID] = e
	return nil
}

// Held reports whether the requester has an outstanding request.
func (m *Manager) Held(requesterID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[requesterID]
	return ok
}

// Get returns the held lock of a requester.
func (m *Manager) Get(requesterID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[requesterID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Release clears the requester's lock and cancels its timer. It is a no-op
// when nothing is held.
func (m *Manager) Release(requesterID string) (request.Request, bool) {
	return m.ReleaseIf(requesterID, "")
}

// ReleaseIf clears the lock only when it belongs to receipt. An empty receipt
// matches any lock. The boolean reports whether this call performed the release.
func (m *Manager) ReleaseIf(requesterID, receipt string) (request.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[requesterID]
	if !ok {
		return request.Request{}, false
	}
	if receipt != "" && e.Request.ReceiptNumber != receipt {
		return request.Request{}, false
	}
	e.timer.Stop()
	delete(m.entries, requesterID)
	return e.Request, true
}

// Len returns the number of outstanding locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close cancels every timer and drops all locks. Later Acquire calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, id)
	}
	m.closed = true
}

func (m *Manager) expire(requesterID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[requesterID]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, requesterID)
	onExpire := m.onExpire
	m.mu.Unlock()

	slog.Info("request lock expired",
		"requester_id", requesterID,
		"receipt", e.Request.ReceiptNumber,
		"timeout", m.timeout.String(),
	)
	if onExpire != nil {
		onExpire(e.Request)
	}
}
