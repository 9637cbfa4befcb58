package command

import (
	"context"
	"fmt"
	"strings"
)

// HelpCommand implements /help. Reviewer commands are listed for reviewers only.
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "List available commands" }

func (c *HelpCommand) Execute(_ context.Context, _ string, env Env) Result {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, cmd := range env.ListCommands() {
		if ReviewerOnly(cmd) && !env.Reviewer {
			continue
		}
		sb.WriteString(fmt.Sprintf("/%s - %s\n", cmd.Name(), cmd.Description()))
	}
	return Result{Content: strings.TrimRight(sb.String(), "\n")}
}
