package bus

import (
	"context"
	"sync"
)

// MessageBus decouples channels from the engine with buffered queues.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	closeOnce sync.Once
	done      chan struct{}
}

// NewMessageBus creates a bus with the given per-direction buffer size.
func NewMessageBus(buffer int) *MessageBus {
	if buffer < 0 {
		buffer = 0
	}
	return &MessageBus{
		inbound:  make(chan *InboundMessage, buffer),
		outbound: make(chan *OutboundMessage, buffer),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message for the engine. It never blocks after Close.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg == nil {
		return
	}
	select {
	case <-b.done:
	case b.inbound <- msg:
	}
}

// PublishOutbound enqueues a message for delivery. It never blocks after Close.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	if msg == nil {
		return
	}
	select {
	case <-b.done:
	case b.outbound <- msg:
	}
}

// ConsumeInbound blocks until an inbound message is available.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-b.inbound:
		return msg, nil
	}
}

// Inbound exposes the inbound queue.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// Outbound exposes the outbound queue.
func (b *MessageBus) Outbound() <-chan *OutboundMessage {
	return b.outbound
}

// Close stops accepting new messages. Queued messages stay readable.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
