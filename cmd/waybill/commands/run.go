package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MEKXH/waybill/internal/audit"
	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/channel"
	"github.com/MEKXH/waybill/internal/channel/telegram"
	"github.com/MEKXH/waybill/internal/config"
	"github.com/MEKXH/waybill/internal/engine"
	"github.com/MEKXH/waybill/internal/gateway"
	"github.com/MEKXH/waybill/internal/heartbeat"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/receipt"
	"github.com/MEKXH/waybill/internal/receipt/sqlstore"
	"github.com/MEKXH/waybill/internal/state"
	"github.com/MEKXH/waybill/internal/telemetry"
	"github.com/spf13/cobra"
)

const heartbeatInterval = time.Hour

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Waybill bot",
		RunE:  runServer,
	}

	return cmd
}

// receiptBackend is the opened receipt registry. db is nil for the
// in-memory store.
type receiptBackend struct {
	store receipt.Store
	db    *sqlstore.Store
}

func (b *receiptBackend) pinger() gateway.Pinger {
	if b.db == nil {
		return nil
	}
	return b.db
}

func (b *receiptBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func openReceiptBackend(ctx context.Context, cfg *config.Config) (*receiptBackend, error) {
	if cfg.Store.Driver == config.StoreMemory {
		slog.Warn("receipt registry is in memory; duplicates are forgotten on restart")
		return &receiptBackend{store: receipt.NewMemoryStore(cfg.Dedup.WindowDays)}, nil
	}

	dsn := cfg.StoreDSN()
	if cfg.Store.Driver != config.StorePostgres && strings.TrimSpace(cfg.Store.DSN) == "" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sqlstore.Open(ctx, cfg.Store.Driver, dsn, cfg.Dedup.WindowDays)
	if err != nil {
		return nil, err
	}
	return &receiptBackend{store: db, db: db}, nil
}

// registerChannels registers every channel whose credentials are present and
// returns the webhook routes the gateway must serve.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channel.Manager) []gateway.Route {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		slog.Warn("telegram channel skipped: token is empty")
		return nil
	}
	tg := telegram.New(&cfg.Telegram, cfg.Reviewers, msgBus)
	mgr.Register(tg)
	if path, ok := tg.WebhookPath(); ok {
		return []gateway.Route{{Path: path, Handler: tg}}
	}
	return nil
}

// newHeartbeat wires the store heartbeat. It returns nil for the in-memory
// store, which has nothing to probe or prune.
func newHeartbeat(backend *receiptBackend, windowDays int, msgBus *bus.MessageBus, reviewers []string) *heartbeat.Service {
	if backend.db == nil {
		return nil
	}
	notify := func(ctx context.Context, content, requestID string) error {
		for _, id := range reviewers {
			msgBus.PublishOutbound(&bus.OutboundMessage{
				Channel:   telegram.Name,
				ChatID:    id,
				Content:   content,
				RequestID: requestID,
			})
		}
		return nil
	}
	return heartbeat.NewService(
		heartbeat.Config{Interval: heartbeatInterval, WindowDays: windowDays},
		backend.db.Ping,
		backend.db.Prune,
		notify,
	)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.CheckRunnable(); err != nil {
		return err
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	backend, err := openReceiptBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open receipt store: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("receipt store close failed", "error", err)
		}
	}()

	gate := state.NewGate(workspacePath)
	if err := gate.Load(); err != nil {
		slog.Warn("gate state unreadable, starting open", "error", err)
	}

	recorder := metrics.NewRuntimeMetrics(workspacePath)
	msgBus := bus.NewMessageBus(100)

	eng := engine.New(msgBus, receipt.NewCoordinator(backend.store, cfg.Dedup.WindowDays), gate, engine.Options{
		Channel:     telegram.Name,
		Reviewers:   cfg.Reviewers,
		LockTimeout: cfg.LockTimeout(),
	})
	eng.SetJournal(audit.NewWriter(workspacePath))
	eng.SetRuntimeMetrics(recorder)

	errCh := make(chan error, 2)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine failed: %w", err)
		}
	}()

	hb := newHeartbeat(backend, cfg.Dedup.WindowDays, msgBus, eng.Router().Reviewers())
	if hb != nil {
		if err := hb.Start(ctx); err != nil {
			slog.Warn("heartbeat failed to start", "error", err)
		}
	}

	chanMgr := channel.NewManager(msgBus)
	chanMgr.SetRuntimeMetrics(recorder)
	routes := registerChannels(cfg, msgBus, chanMgr)
	chanMgr.StartAll(ctx)
	go chanMgr.RouteOutbound(ctx)

	gatewayServer := gateway.New(cfg.Gateway, gateway.Deps{
		Status:  eng,
		Store:   backend.pinger(),
		Metrics: recorder,
		Routes:  routes,
	})
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Waybill running with %d reviewer(s). Gateway: http://%s\nPress Ctrl+C to stop.\n", len(cfg.Reviewers), gatewayServer.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if hb != nil {
		hb.Stop()
	}
	msgBus.Close()
	chanMgr.StopAll(shutdownCtx)
	<-engineDone
	eng.Close()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	return runErr
}
