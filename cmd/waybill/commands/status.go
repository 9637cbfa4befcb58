package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/MEKXH/waybill/internal/config"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/state"
	"github.com/spf13/cobra"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Waybill configuration status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	fmt.Println("=== Waybill Status ===")
	fmt.Println()

	fmt.Println("Config")
	fmt.Printf("  Path: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'waybill init')")
	}

	fmt.Println("\nWorkspace")
	fmt.Printf("  Path: %s\n", workspacePath)
	if _, err := os.Stat(workspacePath); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found")
	}

	fmt.Println("\nTelegram")
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		fmt.Println("  Token: configured")
	} else {
		fmt.Println("  Token: missing")
	}
	if len(cfg.Telegram.AllowFrom) > 0 {
		fmt.Printf("  Allow list: %d entries\n", len(cfg.Telegram.AllowFrom))
	} else {
		fmt.Println("  Allow list: everyone")
	}
	if strings.TrimSpace(cfg.Telegram.WebhookURL) != "" {
		fmt.Println("  Mode: webhook")
	} else {
		fmt.Println("  Mode: long polling")
	}

	fmt.Println("\nReviewers")
	if len(cfg.Reviewers) == 0 {
		fmt.Println("  none configured")
	}
	for _, id := range cfg.Reviewers {
		fmt.Printf("  - %s\n", id)
	}

	fmt.Println("\nRequests")
	gate := state.NewGate(workspacePath)
	gateLine := "open"
	if err := gate.Load(); err != nil {
		gateLine = "unknown (" + err.Error() + ")"
	} else if st := gate.State(); !st.Open {
		gateLine = "closed"
		if st.ChangedBy != "" {
			gateLine += " by " + st.ChangedBy
		}
	}
	fmt.Printf("  Gate: %s\n", gateLine)
	fmt.Printf("  Lock timeout: %s\n", cfg.LockTimeout())
	window := "3 months"
	if cfg.Dedup.WindowDays > 0 {
		window = fmt.Sprintf("%d days", cfg.Dedup.WindowDays)
	}
	fmt.Printf("  Dedup window: %s\n", window)

	fmt.Println("\nStore")
	fmt.Printf("  Driver: %s\n", cfg.Store.Driver)
	if cfg.Store.Driver != config.StoreMemory {
		fmt.Printf("  DSN: %s\n", redactDSN(cfg.StoreDSN()))
	}

	fmt.Println("\nGateway")
	fmt.Printf("  Address: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token != "" {
		fmt.Println("  Auth:    token configured")
	} else {
		fmt.Println("  Auth:    no token (open)")
	}

	fmt.Println("\nRuntime Metrics")
	snap, err := metrics.ReadRuntimeSnapshot(workspacePath)
	switch {
	case err != nil:
		fmt.Printf("  unavailable: %v\n", err)
	case !snap.HasData():
		fmt.Println("  no runtime data yet")
	default:
		fmt.Printf("  submitted=%d approved=%d rejected=%d expired=%d pending=%d\n",
			snap.Requests.Submitted, snap.Requests.Approved, snap.Requests.Rejected, snap.Requests.Expired, snap.Requests.Pending())
		fmt.Printf("  receipt_admits=%d duplicate_ratio=%.3f store_error_ratio=%.3f avg_latency_ms=%.1f p95_proxy_ms=%d\n",
			snap.Receipts.Admits, snap.Receipts.DuplicateRatio(), snap.Receipts.StoreErrorRatio(), snap.Receipts.AvgLatencyMs(), snap.Receipts.P95ProxyLatencyMs)
		fmt.Printf("  channel_send_attempts=%d channel_send_failure_ratio=%.3f\n",
			snap.Channel.SendAttempts, snap.Channel.FailureRatio())
		fmt.Printf("  updated_at=%s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":***"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}
