package command

import (
	"context"
	"log/slog"

	"github.com/MEKXH/waybill/internal/request"
)

// StartCommand implements /start: it drops any half-filled request and shows the menu.
type StartCommand struct{}

func (c *StartCommand) Name() string        { return "start" }
func (c *StartCommand) Description() string { return "Start over and choose a request type" }

func (c *StartCommand) Execute(_ context.Context, _ string, env Env) Result {
	if env.Sessions.Delete(env.SenderID) {
		slog.Info("session reset via /start", "requester_id", env.SenderID, "channel", env.Channel, "chat_id", env.ChatID)
	}
	return Result{Content: request.MenuText, Keyboard: request.MenuKeyboard()}
}
