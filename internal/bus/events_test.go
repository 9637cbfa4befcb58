package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundMessage_SessionKey(t *testing.T) {
	msg := &InboundMessage{
		Channel:  "telegram",
		SenderID: "12345",
		ChatID:   "777",
	}

	expected := "telegram:12345"
	if got := msg.SessionKey(); got != expected {
		t.Errorf("SessionKey() = %q, want %q", got, expected)
	}
}

func TestInboundMessage_IsAction(t *testing.T) {
	if (&InboundMessage{Content: "hi"}).IsAction() {
		t.Fatal("plain text must not be an action")
	}
	if !(&InboundMessage{Action: "approve:1:A"}).IsAction() {
		t.Fatal("expected action message")
	}
}

func TestOutboundMessage_IsCallbackAnswer(t *testing.T) {
	if (&OutboundMessage{ChatID: "1"}).IsCallbackAnswer() {
		t.Fatal("chat message must not be a callback answer")
	}
	if !(&OutboundMessage{CallbackID: "cb-1"}).IsCallbackAnswer() {
		t.Fatal("expected callback answer")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestMessageBus_PublishAndConsume(t *testing.T) {
	b := NewMessageBus(1)
	b.PublishInbound(&InboundMessage{SenderID: "1", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeInbound error: %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("unexpected content %q", msg.Content)
	}

	b.PublishOutbound(&OutboundMessage{ChatID: "1", Content: "out"})
	select {
	case out := <-b.Outbound():
		if out.Content != "out" {
			t.Fatalf("unexpected outbound content %q", out.Content)
		}
	default:
		t.Fatal("expected outbound message")
	}
}

func TestMessageBus_CloseDropsPublishes(t *testing.T) {
	b := NewMessageBus(0)
	b.Close()
	b.Close()

	done := make(chan struct{})
	go func() {
		b.PublishOutbound(&OutboundMessage{ChatID: "1"})
		b.PublishInbound(&InboundMessage{SenderID: "1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after close must not block")
	}
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ConsumeInbound(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
