package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/channel"
	"github.com/MEKXH/waybill/internal/config"
)

// Name is the channel name used on the bus.
const Name = "telegram"

var allowedUpdates = []string{"message", "callback_query"}

// updateDecoder parses webhook requests. HandleUpdate reads only the request.
var updateDecoder tgbotapi.BotAPI

var (
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	codeInlineRe = regexp.MustCompile("`([^`]+)`")
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	StopReceivingUpdates()
}

// Channel implements Telegram bot. Updates arrive by long polling, or by
// webhook through ServeHTTP when a webhook URL is configured.
type Channel struct {
	channel.BaseChannel
	cfg         *config.TelegramConfig
	bot         botAPI
	webhookURL  string
	webhookPath string
}

// New creates a Telegram channel. When an allow-list is configured the
// reviewers are always admitted.
func New(cfg *config.TelegramConfig, reviewers []string, msgBus *bus.MessageBus) *Channel {
	var allow channel.AllowList
	if len(cfg.AllowFrom) > 0 {
		allow = channel.NewAllowList(cfg.AllowFrom, reviewers)
	}
	c := &Channel{
		BaseChannel: channel.BaseChannel{
			Bus:   msgBus,
			Allow: allow,
		},
		cfg: cfg,
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		endpoint, path, err := cfg.WebhookEndpoint()
		if err != nil {
			slog.Warn("telegram webhook disabled", "error", err)
		} else {
			c.webhookURL, c.webhookPath = endpoint, path
		}
	}
	return c
}

func (c *Channel) Name() string { return Name }

// WebhookPath returns the local path webhook updates are served on, or false
// in long polling mode.
func (c *Channel) WebhookPath() (string, bool) {
	return c.webhookPath, c.webhookURL != ""
}

func (c *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	c.bot = bot

	slog.Info("telegram bot connected", "username", bot.Self.UserName)

	if c.webhookURL != "" {
		if err := c.setWebhook(); err != nil {
			return err
		}
		slog.Info("telegram webhook registered", "path", c.webhookPath)
		<-ctx.Done()
		return nil
	}

	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		slog.Warn("telegram webhook removal failed", "error", err)
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = allowedUpdates
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.dispatch(update)
		}
	}
}

func (c *Channel) setWebhook() error {
	wh, err := tgbotapi.NewWebhook(c.webhookURL)
	if err != nil {
		return fmt.Errorf("telegram webhook url: %w", err)
	}
	wh.AllowedUpdates = allowedUpdates
	if _, err := c.bot.Request(wh); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}
	return nil
}

// ServeHTTP accepts one webhook update.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	update, err := updateDecoder.HandleUpdate(r)
	if err != nil {
		slog.Warn("telegram webhook update rejected", "error", err)
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}
	c.dispatch(*update)
	w.WriteHeader(http.StatusOK)
}

func (c *Channel) dispatch(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		c.handleMessage(update.Message)
	}
}

func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !c.Allow.Admits(senderID, msg.From.UserName) {
		slog.Debug("unauthorized sender", "id", senderID)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	c.PublishInbound(&bus.InboundMessage{
		Channel:    Name,
		SenderID:   senderID,
		SenderName: displayName(msg.From),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    content,
		Timestamp:  time.Now(),
		RequestID:  bus.NewRequestID(),
		Metadata: map[string]any{
			"message_id": msg.MessageID,
			"username":   msg.From.UserName,
		},
	})
}

func (c *Channel) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	senderID := strconv.FormatInt(q.From.ID, 10)
	if !c.Allow.Admits(senderID, q.From.UserName) {
		slog.Debug("unauthorized callback sender", "id", senderID)
		return
	}

	chatID := senderID
	meta := map[string]any{"username": q.From.UserName}
	if q.Message != nil && q.Message.Chat != nil {
		chatID = strconv.FormatInt(q.Message.Chat.ID, 10)
		meta["message_id"] = q.Message.MessageID
	}

	c.PublishInbound(&bus.InboundMessage{
		Channel:    Name,
		SenderID:   senderID,
		SenderName: displayName(q.From),
		ChatID:     chatID,
		Action:     q.Data,
		CallbackID: q.ID,
		Timestamp:  time.Now(),
		RequestID:  bus.NewRequestID(),
		Metadata:   meta,
	})
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.bot == nil {
		return fmt.Errorf("bot not initialized")
	}

	if msg.IsCallbackAnswer() {
		cb := tgbotapi.NewCallback(msg.CallbackID, msg.Content)
		if msg.Alert {
			cb = tgbotapi.NewCallbackWithAlert(msg.CallbackID, msg.Content)
		}
		_, err := c.bot.Request(cb)
		return classify(err)
	}

	chatID, err := parseInt64(msg.ChatID)
	if err != nil {
		return channel.Permanent(fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err))
	}

	tgMsg := tgbotapi.NewMessage(chatID, markdownToHTML(msg.Content))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	if markup := replyMarkup(msg); markup != nil {
		tgMsg.ReplyMarkup = markup
	}

	_, err = c.bot.Send(tgMsg)
	if err != nil && isParseError(err) {
		tgMsg.ParseMode = ""
		tgMsg.Text = msg.Content
		_, err = c.bot.Send(tgMsg)
	}
	return classify(err)
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

// replyMarkup maps buttons to an inline keyboard and a keyboard to a reply
// keyboard. Inline buttons win when both are set.
func replyMarkup(msg *bus.OutboundMessage) any {
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, row := range msg.Buttons {
			buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
		return tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if len(msg.Keyboard) > 0 {
		rows := make([][]tgbotapi.KeyboardButton, 0, len(msg.Keyboard))
		for _, row := range msg.Keyboard {
			buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
			for _, label := range row {
				buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
			}
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		return kb
	}
	return nil
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return channel.Permanent(err)
		}
	}
	return err
}

func isParseError(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "can't parse entities")
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" && u.UserName != "" {
		name = "@" + u.UserName
	}
	return name
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func markdownToHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeInlineRe.ReplaceAllString(text, "<code>$1</code>")
	return text
}
