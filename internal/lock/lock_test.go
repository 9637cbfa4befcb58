package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MEKXH/waybill/internal/request"
)

func testRequest(requesterID, receipt string) request.Request {
	return request.Request{
		RequesterID:   requesterID,
		ChatID:        requesterID,
		ReceiptNumber: receipt,
		Type:          request.TypeOverMileage,
	}
}

func TestManager_AcquireTwiceFails(t *testing.T) {
	m := NewManager(time.Hour, nil)
	defer m.Close()

	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	if err := m.Acquire(testRequest("1", "B")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if !m.Held("1") {
		t.Fatal("expected lock held")
	}
	if err := m.Acquire(testRequest("2", "C")); err != nil {
		t.Fatalf("other requester must not be blocked: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 locks, got %d", m.Len())
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager(time.Hour, nil)
	defer m.Close()

	if _, ok := m.Release("nobody"); ok {
		t.Fatal("release without lock must be a no-op")
	}
	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	req, ok := m.Release("1")
	if !ok || req.ReceiptNumber != "A" {
		t.Fatalf("unexpected release result: %+v %v", req, ok)
	}
	if _, ok := m.Release("1"); ok {
		t.Fatal("second release must report nothing released")
	}
	if m.Held("1") {
		t.Fatal("lock must be cleared")
	}
}

func TestManager_ReleaseIfMatchesReceipt(t *testing.T) {
	m := NewManager(time.Hour, nil)
	defer m.Close()

	if err := m.Acquire(testRequest("1", "NEW")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, ok := m.ReleaseIf("1", "OLD"); ok {
		t.Fatal("stale receipt must not release the current lock")
	}
	if _, ok := m.ReleaseIf("1", "NEW"); !ok {
		t.Fatal("expected matching receipt to release")
	}
}

func TestManager_TimeoutReleasesAndNotifiesOnce(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan request.Request, 2)
	m := NewManager(20*time.Millisecond, func(req request.Request) {
		calls.Add(1)
		fired <- req
	})
	defer m.Close()

	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	select {
	case req := <-fired:
		if req.RequesterID != "1" {
			t.Fatalf("unexpected expired request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lock expiry")
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one expiry notification, got %d", got)
	}
	if m.Held("1") {
		t.Fatal("expired lock must be cleared")
	}
	if _, ok := m.Release("1"); ok {
		t.Fatal("release after expiry must be a no-op")
	}
}

func TestManager_ReleaseCancelsTimer(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(30*time.Millisecond, func(request.Request) { calls.Add(1) })
	defer m.Close()

	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.Release("1")
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("released lock must not expire, got %d notifications", got)
	}
}

func TestManager_StaleTimerDoesNotClearNewLock(t *testing.T) {
	m := NewManager(time.Hour, nil)
	defer m.Close()

	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.mu.Lock()
	staleGen := m.entries["1"].gen
	m.mu.Unlock()

	m.Release("1")
	if err := m.Acquire(testRequest("1", "B")); err != nil {
		t.Fatalf("re-Acquire error: %v", err)
	}

	m.expire("1", staleGen)
	entry, ok := m.Get("1")
	if !ok || entry.Request.ReceiptNumber != "B" {
		t.Fatalf("stale expiry cleared the new lock: %+v %v", entry, ok)
	}
}

func TestManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(time.Hour, nil)
	defer m.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(testRequest("1", "A")); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one acquire to win, got %d", got)
	}
}

func TestManager_CloseStopsTimers(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(20*time.Millisecond, func(request.Request) { calls.Add(1) })
	if err := m.Acquire(testRequest("1", "A")); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.Close()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("closed manager must not fire expiry")
	}
	if err := m.Acquire(testRequest("2", "B")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestManager_DefaultTimeout(t *testing.T) {
	m := NewManager(0, nil)
	defer m.Close()
	if m.Timeout() != defaultTimeout {
		t.Fatalf("expected default timeout, got %s", m.Timeout())
	}
}
