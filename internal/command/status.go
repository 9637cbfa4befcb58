package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StatusCommand implements /status for reviewers.
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Show gate and queue status" }
func (c *StatusCommand) ReviewerOnly() bool  { return true }

func (c *StatusCommand) Execute(_ context.Context, _ string, env Env) Result {
	var sb strings.Builder
	sb.WriteString("Status\n")

	gate := "open"
	if !env.Gate.IsOpen() {
		gate = "closed"
	}
	sb.WriteString(fmt.Sprintf("Gate: %s\n", gate))
	sb.WriteString(fmt.Sprintf("Sessions in progress: %d\n", env.Sessions.Len()))
	sb.WriteString(fmt.Sprintf("Awaiting decision: %d\n", env.Locks.Len()))
	sb.WriteString(fmt.Sprintf("Awaiting rejection reason: %d\n", env.Pending.Len()))

	snap := env.Metrics.Snapshot()
	if snap.HasData() {
		sb.WriteString(fmt.Sprintf("Updated: %s\n", snap.UpdatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("Requests: %d submitted, %d approved, %d rejected, %d expired\n",
			snap.Requests.Submitted,
			snap.Requests.Approved,
			snap.Requests.Rejected,
			snap.Requests.Expired,
		))
		sb.WriteString(fmt.Sprintf("Receipts: %d checked, dup=%.1f%%, p95=%dms\n",
			snap.Receipts.Admits,
			snap.Receipts.DuplicateRatio()*100,
			snap.Receipts.P95ProxyLatencyMs,
		))
	}
	return Result{Content: strings.TrimRight(sb.String(), "\n")}
}
