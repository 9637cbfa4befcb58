// Package heartbeat periodically probes the receipt store, prunes
// registrations that left the dedup window and tells reviewers when the
// store goes down or comes back.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/receipt"
)

const defaultInterval = time.Hour

// ProbeFunc checks the receipt store.
type ProbeFunc func(ctx context.Context) error

// PruneFunc deletes registrations created before the given time.
type PruneFunc func(ctx context.Context, before time.Time) (int64, error)

// NotifyFunc delivers a notice to the reviewers.
type NotifyFunc func(ctx context.Context, content, requestID string) error

// Config controls heartbeat runtime behavior. WindowDays <= 0 selects the
// three month dedup window.
type Config struct {
	Interval   time.Duration
	WindowDays int
}

// Service runs the store probe and prune on a fixed interval.
type Service struct {
	cfg    Config
	probe  ProbeFunc
	prune  PruneFunc
	notify NotifyFunc

	now func() time.Time

	mu       sync.RWMutex
	degraded bool
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool
}

// NewService creates a heartbeat service. Any of the funcs may be nil.
func NewService(cfg Config, probe ProbeFunc, prune PruneFunc, notify NotifyFunc) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Service{
		cfg:    cfg,
		probe:  probe,
		prune:  prune,
		notify: notify,
		now:    time.Now,
	}
}

// IsRunning returns true when the service loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Degraded reports whether the last probe failed.
func (s *Service) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Start runs one pass immediately and then launches the periodic loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true
	stopCh, stopped := s.stopCh, s.stopped
	s.mu.Unlock()

	go s.loop(ctx, stopCh, stopped)
	slog.Info("heartbeat service started", "interval", s.cfg.Interval.String())
	return nil
}

// Stop halts the periodic loop and waits for the current pass.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopped := s.stopped
	s.running = false
	s.stopCh = nil
	s.stopped = nil
	s.mu.Unlock()

	close(stopCh)
	<-stopped
	slog.Info("heartbeat service stopped")
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	if err := s.RunOnce(ctx); err != nil {
		slog.Warn("heartbeat run failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Warn("heartbeat run failed", "error", err)
			}
		}
	}
}

// RunOnce probes the store, reports a state change to the reviewers and
// prunes when the store is healthy. Pruning is skipped while degraded.
func (s *Service) RunOnce(ctx context.Context) error {
	var probeErr error
	if s.probe != nil {
		probeErr = s.probe(ctx)
	}

	s.mu.Lock()
	was := s.degraded
	s.degraded = probeErr != nil
	s.mu.Unlock()

	switch {
	case probeErr != nil && !was:
		slog.Warn("receipt store degraded", "error", probeErr)
		s.dispatch(ctx, fmt.Sprintf("Receipt store is unavailable: %v. New requests will fail until it recovers.", probeErr))
	case probeErr == nil && was:
		slog.Info("receipt store recovered")
		s.dispatch(ctx, "Receipt store is available again.")
	}
	if probeErr != nil {
		return nil
	}

	if s.prune == nil {
		return nil
	}
	before := receipt.WindowStart(s.now().UTC(), s.cfg.WindowDays)
	n, err := s.prune(ctx, before)
	if err != nil {
		return fmt.Errorf("prune receipts: %w", err)
	}
	if n > 0 {
		slog.Info("pruned expired receipts", "count", n, "before", before)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, content string) {
	if s.notify == nil {
		return
	}
	requestID := bus.NewRequestID()
	if err := s.notify(ctx, content, requestID); err != nil {
		slog.Warn("heartbeat notify failed", "request_id", requestID, "error", err)
	}
}
