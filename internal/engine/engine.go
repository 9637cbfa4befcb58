// Package engine consumes inbound messages and drives the request
// conversation: commands, session steps, receipt admission and dispatch to
// reviewers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/waybill/internal/approval"
	"github.com/MEKXH/waybill/internal/audit"
	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/command"
	"github.com/MEKXH/waybill/internal/lock"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/receipt"
	"github.com/MEKXH/waybill/internal/request"
	"github.com/MEKXH/waybill/internal/session"
	"github.com/MEKXH/waybill/internal/state"
)

const (
	textLocked      = "You already have a request awaiting a decision. Please wait for the reviewer's answer."
	textClosed      = "Requests are not being accepted right now. Please try again later."
	textSubmitted   = "Your request was submitted. You will be notified of the decision."
	textInvalid     = "That receipt number is not valid. Use letters, digits, '-' or '/' (up to %d characters)."
	textDuplicate   = "Receipt %s has already been used. The request was cancelled."
	textUnavailable = "The receipt could not be checked right now. Please try again later."
	textFailed      = "Your request could not be submitted. Please try again."
	textExpired     = "No decision was made on receipt %s within %s. You can submit a new request."
)

// ReceiptAdmitter registers receipt numbers, rejecting duplicates.
type ReceiptAdmitter interface {
	Admit(ctx context.Context, raw string) (string, error)
}

// Options configures an Engine.
type Options struct {
	// Channel names the transport expiry notices are sent through.
	Channel     string
	Reviewers   []string
	LockTimeout time.Duration
}

// Status is a point-in-time view of the engine's containers.
type Status struct {
	GateOpen          bool `json:"gate_open"`
	Sessions          int  `json:"sessions"`
	Locks             int  `json:"locks"`
	PendingRejections int  `json:"pending_rejections"`
}

type mailbox struct {
	queue   []*bus.InboundMessage
	running bool
}

// Engine processes inbound messages. Messages from one identity are handled
// in arrival order; different identities are handled concurrently.
type Engine struct {
	bus      *bus.MessageBus
	channel  string
	receipts ReceiptAdmitter
	gate     *state.Gate
	sessions *session.Store
	locks    *lock.Manager
	router   *approval.Router
	commands *command.Registry
	now      func() time.Time
	newID    func() string

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	wg        sync.WaitGroup

	obsMu   sync.RWMutex
	journal *audit.Writer
	metrics *metrics.RuntimeMetrics
}

// New creates an engine reading from and writing to msgBus.
func New(msgBus *bus.MessageBus, receipts ReceiptAdmitter, gate *state.Gate, opts Options) *Engine {
	if gate == nil {
		gate = state.NewGate("")
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = "telegram"
	}
	e := &Engine{
		bus:       msgBus,
		channel:   channel,
		receipts:  receipts,
		gate:      gate,
		sessions:  session.NewStore(),
		commands:  command.NewDefaultRegistry(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		mailboxes: make(map[string]*mailbox),
	}
	e.locks = lock.NewManager(opts.LockTimeout, e.handleExpired)
	e.router = approval.NewRouter(channel, opts.Reviewers, e.locks, approval.NewPendingRejections(), msgBus)
	return e
}

// SetJournal attaches the decision journal.
func (e *Engine) SetJournal(w *audit.Writer) {
	e.obsMu.Lock()
	e.journal = w
	e.obsMu.Unlock()
	e.router.SetJournal(w)
}

// SetRuntimeMetrics attaches the runtime metrics recorder.
func (e *Engine) SetRuntimeMetrics(m *metrics.RuntimeMetrics) {
	e.obsMu.Lock()
	e.metrics = m
	e.obsMu.Unlock()
	e.router.SetRuntimeMetrics(m)
}

// Router returns the decision router.
func (e *Engine) Router() *approval.Router {
	return e.router
}

// Status reports gate state and container sizes.
func (e *Engine) Status() Status {
	return Status{
		GateOpen:          e.gate.IsOpen(),
		Sessions:          e.sessions.Len(),
		Locks:             e.locks.Len(),
		PendingRejections: e.router.Pending().Len(),
	}
}

// Run consumes inbound messages until ctx is done, then waits for in-flight
// handlers.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine started", "channel", e.channel, "reviewers", len(e.router.Reviewers()), "lock_timeout", e.locks.Timeout())
	defer e.wg.Wait()

	for {
		msg, err := e.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			slog.Warn("received nil inbound message")
			continue
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			msg.RequestID = bus.NewRequestID()
		}
		e.enqueue(ctx, msg)
	}
}

// Close waits for in-flight handlers, stops every lock timer and drops all
// sessions and pending rejections.
func (e *Engine) Close() {
	e.wg.Wait()
	e.locks.Close()
	e.sessions.Clear()
	e.router.Pending().Clear()
}

func (e *Engine) enqueue(ctx context.Context, msg *bus.InboundMessage) {
	key := msg.SessionKey()

	e.mu.Lock()
	mb, ok := e.mailboxes[key]
	if !ok {
		mb = &mailbox{}
		e.mailboxes[key] = mb
	}
	mb.queue = append(mb.queue, msg)
	if mb.running {
		e.mu.Unlock()
		return
	}
	mb.running = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.drain(ctx, key, mb)
}

func (e *Engine) drain(ctx context.Context, key string, mb *mailbox) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(e.mailboxes, key)
			e.mu.Unlock()
			return
		}
		msg := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		e.mu.Unlock()

		e.Handle(ctx, msg)
	}
}

// Handle processes one inbound message synchronously.
func (e *Engine) Handle(ctx context.Context, msg *bus.InboundMessage) {
	if msg == nil {
		return
	}
	ctx = bus.WithRequestID(ctx, msg.RequestID)
	slog.Debug("processing message",
		"request_id", msg.RequestID,
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"sender", msg.SenderID,
		"action", msg.IsAction(),
	)

	if msg.IsAction() {
		if err := e.router.HandleAction(ctx, msg); err != nil {
			if approval.IsUnauthorized(err) {
				slog.Warn("decision refused", "request_id", msg.RequestID, "sender_id", msg.SenderID, "error", err)
				return
			}
			slog.Error("handle action failed", "request_id", msg.RequestID, "sender_id", msg.SenderID, "error", err)
		}
		return
	}

	if e.router.ConsumeReason(ctx, msg) {
		return
	}

	reviewer := e.router.IsReviewer(msg.SenderID)
	if cmd, args, ok := e.commands.Lookup(msg.Content); ok {
		e.runCommand(ctx, msg, cmd, args, reviewer)
		return
	}

	if t, ok := request.ParseLabel(msg.Content); ok {
		e.startSession(msg, t, reviewer)
		return
	}

	if sess, ok := e.sessions.Get(msg.SenderID); ok {
		e.advance(ctx, msg, sess)
		return
	}

	if e.locks.Held(msg.SenderID) {
		e.reply(msg, textLocked, nil)
		return
	}
	e.reply(msg, request.MenuText, request.MenuKeyboard())
}

func (e *Engine) runCommand(ctx context.Context, msg *bus.InboundMessage, cmd command.Command, args string, reviewer bool) {
	if command.ReviewerOnly(cmd) && !reviewer {
		slog.Info("reviewer command ignored", "command", cmd.Name(), "sender_id", msg.SenderID)
		return
	}
	e.obsMu.RLock()
	m := e.metrics
	e.obsMu.RUnlock()

	result := cmd.Execute(ctx, args, command.Env{
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		SenderID:     msg.SenderID,
		Reviewer:     reviewer,
		Sessions:     e.sessions,
		Locks:        e.locks,
		Pending:      e.router.Pending(),
		Gate:         e.gate,
		Metrics:      m,
		ListCommands: e.commands.List,
	})
	if strings.TrimSpace(result.Content) == "" {
		return
	}
	e.reply(msg, result.Content, result.Keyboard)
}

func (e *Engine) startSession(msg *bus.InboundMessage, t request.Type, reviewer bool) {
	if e.locks.Held(msg.SenderID) {
		e.sessions.Delete(msg.SenderID)
		e.reply(msg, textLocked, nil)
		return
	}
	if !reviewer && !e.gate.IsOpen() {
		e.reply(msg, textClosed, nil)
		return
	}
	sess := session.New(msg.SenderID, msg.ChatID, msg.SenderName, t, e.now())
	e.sessions.Put(sess)
	slog.Info("session started", "request_id", msg.RequestID, "requester_id", msg.SenderID, "request_type", string(t))
	e.reply(msg, sess.Prompt(), nil)
}

func (e *Engine) advance(ctx context.Context, msg *bus.InboundMessage, sess session.Session) {
	value := msg.Content
	if sess.Step == session.StepReceipt {
		admitted, ok := e.admitReceipt(ctx, msg, value)
		if !ok {
			return
		}
		value = admitted
	}

	if err := sess.Fill(value); err != nil {
		slog.Error("session fill failed", "request_id", msg.RequestID, "requester_id", msg.SenderID, "step", sess.Step.String(), "error", err)
		e.sessions.Delete(msg.SenderID)
		e.reply(msg, request.MenuText, request.MenuKeyboard())
		return
	}
	if !sess.Complete() {
		e.sessions.Put(sess)
		e.reply(msg, sess.Prompt(), nil)
		return
	}
	e.submit(ctx, msg, sess)
}

// admitReceipt registers the receipt, replying to the requester on failure.
// Invalid input keeps the session on the receipt step; duplicates and store
// failures end it.
func (e *Engine) admitReceipt(ctx context.Context, msg *bus.InboundMessage, raw string) (string, bool) {
	start := e.now()
	admitted, err := e.receipts.Admit(ctx, raw)
	elapsed := e.now().Sub(start)

	switch {
	case err == nil:
		e.recordAdmit(elapsed, metrics.AdmitAccepted)
		return admitted, true
	case receipt.IsInvalid(err):
		e.recordAdmit(elapsed, metrics.AdmitInvalid)
		slog.Info("receipt rejected as invalid", "request_id", msg.RequestID, "requester_id", msg.SenderID, "error", err)
		e.reply(msg, fmt.Sprintf(textInvalid, receipt.MaxLength), nil)
		return "", false
	case receipt.IsDuplicate(err):
		e.recordAdmit(elapsed, metrics.AdmitDuplicate)
		e.sessions.Delete(msg.SenderID)
		slog.Info("duplicate receipt", "request_id", msg.RequestID, "requester_id", msg.SenderID, "receipt", receipt.Normalize(raw))
		e.reply(msg, fmt.Sprintf(textDuplicate, receipt.Normalize(raw))+"\n\n"+request.MenuText, request.MenuKeyboard())
		return "", false
	default:
		e.recordAdmit(elapsed, metrics.AdmitStoreError)
		e.sessions.Delete(msg.SenderID)
		slog.Error("receipt admission failed", "request_id", msg.RequestID, "requester_id", msg.SenderID, "error", err)
		e.reply(msg, textUnavailable+"\n\n"+request.MenuText, request.MenuKeyboard())
		return "", false
	}
}

func (e *Engine) submit(ctx context.Context, msg *bus.InboundMessage, sess session.Session) {
	e.sessions.Delete(msg.SenderID)
	req := sess.Snapshot(e.newID(), e.now())

	err := e.router.Dispatch(ctx, req)
	switch {
	case err == nil:
		e.reply(msg, textSubmitted, nil)
	case errors.Is(err, lock.ErrLocked):
		e.reply(msg, textLocked, nil)
	default:
		slog.Error("dispatch failed", "request_id", msg.RequestID, "requester_id", msg.SenderID, "receipt", req.ReceiptNumber, "error", err)
		e.reply(msg, textFailed+"\n\n"+request.MenuText, request.MenuKeyboard())
	}
}

func (e *Engine) handleExpired(req request.Request) {
	e.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:  e.channel,
		ChatID:   req.ChatID,
		Content:  fmt.Sprintf(textExpired, req.ReceiptNumber, e.locks.Timeout()) + "\n\n" + request.MenuText,
		Keyboard: request.MenuKeyboard(),
	})

	e.obsMu.RLock()
	m, w := e.metrics, e.journal
	e.obsMu.RUnlock()
	if _, err := m.RecordRequest(metrics.RequestExpired); err != nil {
		slog.Warn("record request metrics failed", "outcome", string(metrics.RequestExpired), "error", err)
	}
	if err := w.Append(audit.Event{
		Time:        e.now().UTC(),
		Type:        audit.EventExpired,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Receipt:     req.ReceiptNumber,
		RequestType: string(req.Type),
	}); err != nil {
		slog.Warn("append journal event failed", "type", audit.EventExpired, "error", err)
	}
}

func (e *Engine) recordAdmit(elapsed time.Duration, outcome metrics.AdmitOutcome) {
	e.obsMu.RLock()
	m := e.metrics
	e.obsMu.RUnlock()
	if _, err := m.RecordAdmit(elapsed, outcome); err != nil {
		slog.Warn("record admit metrics failed", "outcome", string(outcome), "error", err)
	}
}

func (e *Engine) reply(msg *bus.InboundMessage, content string, keyboard [][]string) {
	e.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   content,
		Keyboard:  keyboard,
		RequestID: msg.RequestID,
	})
}
