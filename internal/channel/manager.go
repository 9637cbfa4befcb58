package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/metrics"
)

// DeliveryPolicy bounds and retries outbound sends.
type DeliveryPolicy struct {
	MaxConcurrentSends int
	RetryMaxAttempts   int
	RetryBaseBackoff   time.Duration
	RetryMaxBackoff    time.Duration
	// RateLimitPerSecond caps sends across all chats. Zero disables the limit.
	RateLimitPerSecond float64
}

// DefaultDeliveryPolicy stays under Telegram's global bot limit of 30 messages per second.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		MaxConcurrentSends: 16,
		RetryMaxAttempts:   3,
		RetryBaseBackoff:   500 * time.Millisecond,
		RetryMaxBackoff:    5 * time.Second,
		RateLimitPerSecond: 25,
	}
}

func (p DeliveryPolicy) normalized() DeliveryPolicy {
	if p.MaxConcurrentSends <= 0 {
		p.MaxConcurrentSends = 1
	}
	if p.RetryMaxAttempts <= 0 {
		p.RetryMaxAttempts = 1
	}
	if p.RetryBaseBackoff <= 0 {
		p.RetryBaseBackoff = 100 * time.Millisecond
	}
	if p.RetryMaxBackoff < p.RetryBaseBackoff {
		p.RetryMaxBackoff = p.RetryBaseBackoff
	}
	return p
}

// Permanent marks a send error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Manager coordinates all channels
type Manager struct {
	channels      map[string]Channel
	bus           *bus.MessageBus
	policy        DeliveryPolicy
	sendSem       chan struct{}
	limiter       *rate.Limiter
	runtimeMetric *metrics.RuntimeMetrics
	mu            sync.RWMutex
}

// NewManager creates a channel manager with the default delivery policy.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return NewManagerWithPolicy(msgBus, DefaultDeliveryPolicy())
}

// NewManagerWithPolicy creates a channel manager with an explicit delivery policy.
func NewManagerWithPolicy(msgBus *bus.MessageBus, policy DeliveryPolicy) *Manager {
	policy = policy.normalized()
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		policy:   policy,
		sendSem:  make(chan struct{}, policy.MaxConcurrentSends),
	}
	if policy.RateLimitPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(policy.RateLimitPerSecond), 1)
	}
	return m
}

// Register adds a channel
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// SetRuntimeMetrics attaches a recorder used for outbound send metrics.
func (m *Manager) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeMetric = recorder
}

// Names returns registered channel names
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts all channels
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil {
				slog.Error("channel error", "name", n, "error", err)
			}
		}(name, ch)
	}
}

// RouteOutbound sends outbound messages to appropriate channels
func (m *Manager) RouteOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.bus.Outbound():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			m.mu.RLock()
			ch, found := m.channels[msg.Channel]
			recorder := m.runtimeMetric
			m.mu.RUnlock()
			if !found {
				slog.Warn("no channel for outbound message", "request_id", msg.RequestID, "channel", msg.Channel)
				continue
			}

			select {
			case m.sendSem <- struct{}{}:
				go func(c Channel, outbound *bus.OutboundMessage) {
					defer func() { <-m.sendSem }()
					m.deliver(ctx, c, outbound, recorder)
				}(ch, msg)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) deliver(ctx context.Context, c Channel, outbound *bus.OutboundMessage, recorder *metrics.RuntimeMetrics) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.policy.RetryBaseBackoff
	expo.MaxInterval = m.policy.RetryMaxBackoff

	attempts := 0
	permanent := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				permanent = true
				return struct{}{}, backoff.Permanent(err)
			}
		}
		sendErr := c.Send(ctx, outbound)
		var pe *backoff.PermanentError
		if errors.As(sendErr, &pe) {
			permanent = true
		}
		return struct{}{}, sendErr
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(m.policy.RetryMaxAttempts)),
	)

	snapshot, recordErr := recorder.RecordChannelSend(err == nil)
	if recordErr != nil {
		slog.Warn("record runtime metrics failed", "scope", "channel", "error", recordErr)
	}
	if err == nil {
		return
	}
	slog.Error("send outbound failed",
		"request_id", outbound.RequestID,
		"channel", outbound.Channel,
		"chat_id", outbound.ChatID,
		"attempts", attempts,
		"permanent", permanent,
		"error", err,
		"channel_send_attempts", snapshot.Channel.SendAttempts,
		"channel_send_failure_ratio", snapshot.Channel.FailureRatio(),
	)
}

// StopAll stops all channels
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		_ = ch.Stop(ctx)
	}
}
