package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// InboundMessage received from a channel. A non-empty Action marks a button press.
type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	Action     string
	CallbackID string
	Timestamp  time.Time
	Metadata   map[string]any
	RequestID  string
}

// IsAction reports whether the message carries a button action token.
func (m *InboundMessage) IsAction() bool {
	return strings.TrimSpace(m.Action) != ""
}

// SessionKey returns the identity events are serialized on.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.SenderID
}

// Button is an inline action attached to an outbound message.
type Button struct {
	Text string
	Data string
}

// OutboundMessage to send to a channel.
//
// When CallbackID is set the message answers a button press instead of posting
// to the chat; Content becomes the notification text and Alert asks the client
// to show it as a modal.
type OutboundMessage struct {
	Channel    string
	ChatID     string
	Content    string
	Buttons    [][]Button
	Keyboard   [][]string
	CallbackID string
	Alert      bool
	Metadata   map[string]any
	RequestID  string
}

// IsCallbackAnswer reports whether the message answers a button press.
func (m *OutboundMessage) IsCallbackAnswer() bool {
	return strings.TrimSpace(m.CallbackID) != ""
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
