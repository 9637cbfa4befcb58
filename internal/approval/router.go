package approval

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/MEKXH/waybill/internal/audit"
	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/request"
)

// TextCodeReviewerOnly marks decisions attempted by someone outside the allow-list.
const TextCodeReviewerOnly = "REVIEWER_ONLY"

const noReasonGiven = "no reason given"

// Locks is the part of the request lock the router drives.
type Locks interface {
	Acquire(req request.Request) error
	ReleaseIf(requesterID, receipt string) (request.Request, bool)
}

// Outbox delivers messages to the transport.
type Outbox interface {
	PublishOutbound(msg *bus.OutboundMessage)
}

// Router fans completed requests out to reviewers and applies their decisions.
// The first decision on a request wins; later presses are told it was already
// processed.
type Router struct {
	channel   string
	reviewers []string
	allowed   map[string]struct{}
	locks     Locks
	pending   *PendingRejections
	out       Outbox
	now       func() time.Time

	mu      sync.RWMutex
	journal *audit.Writer
	metrics *metrics.RuntimeMetrics
}

// NewRouter creates a router for the given reviewer allow-list.
func NewRouter(channel string, reviewers []string, locks Locks, pending *PendingRejections, out Outbox) *Router {
	r := &Router{
		channel: channel,
		allowed: make(map[string]struct{}, len(reviewers)),
		locks:   locks,
		pending: pending,
		out:     out,
		now:     time.Now,
	}
	for _, id := range reviewers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := r.allowed[id]; dup {
			continue
		}
		r.allowed[id] = struct{}{}
		r.reviewers = append(r.reviewers, id)
	}
	if r.pending == nil {
		r.pending = NewPendingRejections()
	}
	return r
}

// SetJournal attaches the decision journal.
func (r *Router) SetJournal(w *audit.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = w
}

// SetRuntimeMetrics attaches the runtime metrics recorder.
func (r *Router) SetRuntimeMetrics(m *metrics.RuntimeMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// IsReviewer reports whether id is on the allow-list.
func (r *Router) IsReviewer(id string) bool {
	_, ok := r.allowed[strings.TrimSpace(id)]
	return ok
}

// Reviewers returns the allow-list in configuration order.
func (r *Router) Reviewers() []string {
	out := make([]string, len(r.reviewers))
	copy(out, r.reviewers)
	return out
}

// Pending exposes the outstanding rejection reasons.
func (r *Router) Pending() *PendingRejections {
	return r.pending
}

// Dispatch locks the requester and notifies every reviewer. It returns the
// lock error unchanged when the requester already has an outstanding request.
func (r *Router) Dispatch(ctx context.Context, req request.Request) error {
	approve, err := Token{Action: ActionApprove, RequesterID: req.RequesterID, ReceiptNumber: req.ReceiptNumber}.Encode()
	if err != nil {
		return fmt.Errorf("encode approve token: %w", err)
	}
	reject, err := Token{Action: ActionReject, RequesterID: req.RequesterID, ReceiptNumber: req.ReceiptNumber}.Encode()
	if err != nil {
		return fmt.Errorf("encode reject token: %w", err)
	}

	if err := r.locks.Acquire(req); err != nil {
		return err
	}

	if len(r.reviewers) == 0 {
		slog.Warn("request dispatched with no reviewers configured", "request_id", req.ID, "requester_id", req.RequesterID)
	}
	buttons := [][]bus.Button{{
		{Text: "Approve", Data: approve},
		{Text: "Reject", Data: reject},
	}}
	text := req.ReviewerText()
	for _, reviewer := range r.reviewers {
		r.out.PublishOutbound(&bus.OutboundMessage{
			Channel:   r.channel,
			ChatID:    reviewer,
			Content:   text,
			Buttons:   buttons,
			RequestID: bus.RequestIDFromContext(ctx),
		})
	}

	r.record(metrics.RequestSubmitted, audit.Event{
		Type:        audit.EventSubmitted,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Receipt:     req.ReceiptNumber,
		RequestType: string(req.Type),
	})
	slog.Info("request dispatched",
		"request_id", req.ID,
		"requester_id", req.RequesterID,
		"receipt", req.ReceiptNumber,
		"request_type", string(req.Type),
		"reviewers", len(r.reviewers),
	)
	return nil
}

// HandleAction applies a decision button press.
func (r *Router) HandleAction(ctx context.Context, msg *bus.InboundMessage) error {
	if msg == nil || !msg.IsAction() {
		return nil
	}
	tok, err := ParseToken(msg.Action)
	if err != nil {
		r.answer(ctx, msg, "Unknown action", false)
		slog.Warn("ignoring malformed action", "sender_id", msg.SenderID, "error", err)
		return nil
	}
	switch tok.Action {
	case ActionApprove:
		return r.Approve(ctx, msg, tok)
	default:
		return r.Reject(ctx, msg, tok)
	}
}

// Approve releases the requester's lock and tells them the request was approved.
func (r *Router) Approve(ctx context.Context, msg *bus.InboundMessage, tok Token) error {
	if !r.IsReviewer(msg.SenderID) {
		r.answer(ctx, msg, "Reviewers only", true)
		return unauthorizedError(msg.SenderID)
	}
	req, ok := r.locks.ReleaseIf(tok.RequesterID, tok.ReceiptNumber)
	if !ok {
		r.answer(ctx, msg, "Already processed", false)
		slog.Info("late decision ignored", "action", string(tok.Action), "reviewer_id", msg.SenderID, "receipt", tok.ReceiptNumber)
		return nil
	}

	r.answer(ctx, msg, "Approved", false)
	r.send(ctx, req.ChatID, fmt.Sprintf("Your request for receipt %s was approved.", req.ReceiptNumber), true)
	r.send(ctx, msg.ChatID, fmt.Sprintf("Approved receipt %s from %s.", req.ReceiptNumber, requesterName(req)), false)

	r.record(metrics.RequestApproved, audit.Event{
		Type:        audit.EventApproved,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		ReviewerID:  msg.SenderID,
		Receipt:     req.ReceiptNumber,
		RequestType: string(req.Type),
	})
	slog.Info("request approved", "request_id", req.ID, "reviewer_id", msg.SenderID, "receipt", req.ReceiptNumber)
	return nil
}

// Reject releases the requester's lock and asks the reviewer for a reason.
// The requester is told once the reason arrives.
func (r *Router) Reject(ctx context.Context, msg *bus.InboundMessage, tok Token) error {
	if !r.IsReviewer(msg.SenderID) {
		r.answer(ctx, msg, "Reviewers only", true)
		return unauthorizedError(msg.SenderID)
	}
	req, ok := r.locks.ReleaseIf(tok.RequesterID, tok.ReceiptNumber)
	if !ok {
		r.answer(ctx, msg, "Already processed", false)
		slog.Info("late decision ignored", "action", string(tok.Action), "reviewer_id", msg.SenderID, "receipt", tok.ReceiptNumber)
		return nil
	}

	prev, replaced := r.pending.Put(PendingRejection{
		ReviewerID: msg.SenderID,
		Request:    req,
		CreatedAt:  r.now(),
	})
	if replaced {
		slog.Warn("pending rejection replaced before a reason arrived",
			"reviewer_id", msg.SenderID,
			"previous_receipt", prev.Request.ReceiptNumber,
			"receipt", req.ReceiptNumber,
		)
		r.finishRejection(ctx, msg.SenderID, prev, "")
	}

	r.answer(ctx, msg, "Rejected", false)
	r.send(ctx, msg.ChatID, fmt.Sprintf("Send the reason for rejecting receipt %s.", req.ReceiptNumber), false)
	r.recordMetric(metrics.RequestRejected)
	slog.Info("request rejected, awaiting reason", "request_id", req.ID, "reviewer_id", msg.SenderID, "receipt", req.ReceiptNumber)
	return nil
}

// ConsumeReason treats msg as the rejection reason when its sender owes one.
// It reports whether the message was consumed.
func (r *Router) ConsumeReason(ctx context.Context, msg *bus.InboundMessage) bool {
	if msg == nil || msg.IsAction() || !r.IsReviewer(msg.SenderID) {
		return false
	}
	p, ok := r.pending.Take(msg.SenderID)
	if !ok {
		return false
	}
	r.finishRejection(ctx, msg.SenderID, p, msg.Content)
	r.send(ctx, msg.ChatID, fmt.Sprintf("Rejection of receipt %s sent.", p.Request.ReceiptNumber), false)
	return true
}

func (r *Router) finishRejection(ctx context.Context, reviewerID string, p PendingRejection, reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = noReasonGiven
	}
	req := p.Request
	r.send(ctx, req.ChatID, "Rejected: "+reason, true)
	r.appendJournal(audit.Event{
		Type:        audit.EventRejected,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		ReviewerID:  reviewerID,
		Receipt:     req.ReceiptNumber,
		RequestType: string(req.Type),
		Note:        reason,
	})
	slog.Info("rejection delivered", "request_id", req.ID, "reviewer_id", reviewerID, "receipt", req.ReceiptNumber)
}

func (r *Router) send(ctx context.Context, chatID, content string, withMenu bool) {
	out := &bus.OutboundMessage{
		Channel:   r.channel,
		ChatID:    chatID,
		Content:   content,
		RequestID: bus.RequestIDFromContext(ctx),
	}
	if withMenu {
		out.Content += "\n\n" + request.MenuText
		out.Keyboard = request.MenuKeyboard()
	}
	r.out.PublishOutbound(out)
}

func (r *Router) answer(ctx context.Context, msg *bus.InboundMessage, text string, alert bool) {
	if msg.CallbackID == "" {
		return
	}
	r.out.PublishOutbound(&bus.OutboundMessage{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		CallbackID: msg.CallbackID,
		Content:    text,
		Alert:      alert,
		RequestID:  bus.RequestIDFromContext(ctx),
	})
}

func (r *Router) record(outcome metrics.RequestOutcome, ev audit.Event) {
	r.recordMetric(outcome)
	r.appendJournal(ev)
}

func (r *Router) recordMetric(outcome metrics.RequestOutcome) {
	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()
	if _, err := m.RecordRequest(outcome); err != nil {
		slog.Warn("record request metrics failed", "outcome", string(outcome), "error", err)
	}
}

func (r *Router) appendJournal(ev audit.Event) {
	r.mu.RLock()
	w := r.journal
	r.mu.RUnlock()
	ev.Time = r.now().UTC()
	if err := w.Append(ev); err != nil {
		slog.Warn("append journal event failed", "type", ev.Type, "error", err)
	}
}

func requesterName(req request.Request) string {
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		return name
	}
	return req.RequesterID
}

func unauthorizedError(senderID string) error {
	err := goerrors.New("decisions are restricted to reviewers", goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(TextCodeReviewerOnly)
	err.WithMetadata(map[string]any{"sender_id": senderID})
	return err
}

// IsUnauthorized reports whether err is a decision attempted by a non-reviewer.
func IsUnauthorized(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == TextCodeReviewerOnly
}
