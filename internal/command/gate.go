package command

import (
	"context"
	"log/slog"
)

// OpenCommand implements /open for reviewers.
type OpenCommand struct{}

func (c *OpenCommand) Name() string        { return "open" }
func (c *OpenCommand) Description() string { return "Accept new requests" }
func (c *OpenCommand) ReviewerOnly() bool  { return true }

func (c *OpenCommand) Execute(_ context.Context, _ string, env Env) Result {
	changed, err := env.Gate.Open(env.SenderID)
	if err != nil {
		slog.Warn("persist gate state failed", "reviewer_id", env.SenderID, "error", err)
	}
	slog.Info("admission gate opened", "reviewer_id", env.SenderID, "changed", changed)
	return Result{Content: "Requests are open."}
}

// CloseCommand implements /close for reviewers.
type CloseCommand struct{}

func (c *CloseCommand) Name() string        { return "close" }
func (c *CloseCommand) Description() string { return "Stop accepting new requests" }
func (c *CloseCommand) ReviewerOnly() bool  { return true }

func (c *CloseCommand) Execute(_ context.Context, _ string, env Env) Result {
	changed, err := env.Gate.Close(env.SenderID)
	if err != nil {
		slog.Warn("persist gate state failed", "reviewer_id", env.SenderID, "error", err)
	}
	slog.Info("admission gate closed", "reviewer_id", env.SenderID, "changed", changed)
	return Result{Content: "Requests are closed."}
}
