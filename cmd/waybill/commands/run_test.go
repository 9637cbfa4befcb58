package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MEKXH/waybill/internal/bus"
	"github.com/MEKXH/waybill/internal/channel"
	"github.com/MEKXH/waybill/internal/config"
	"github.com/MEKXH/waybill/internal/receipt"
	"github.com/MEKXH/waybill/internal/receipt/sqlstore"
)

func TestOpenReceiptBackend_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.StoreMemory

	backend, err := openReceiptBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openReceiptBackend error: %v", err)
	}
	defer backend.Close()

	if _, ok := backend.store.(*receipt.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", backend.store)
	}
	if backend.pinger() != nil {
		t.Fatal("memory backend must not expose a pinger")
	}
}

func TestOpenReceiptBackend_SQLiteUnderWorkspace(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace = filepath.Join(t.TempDir(), "ws")
	cfg.Store.Driver = config.StoreSQLite

	backend, err := openReceiptBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openReceiptBackend error: %v", err)
	}
	defer backend.Close()

	if backend.db == nil {
		t.Fatal("expected sql store")
	}
	if err := backend.pinger().Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestRegisterChannels_SkipsWithoutToken(t *testing.T) {
	cfg := config.DefaultConfig()
	msgBus := bus.NewMessageBus(10)
	mgr := channel.NewManager(msgBus)

	if routes := registerChannels(cfg, msgBus, mgr); routes != nil {
		t.Fatalf("expected no routes, got %v", routes)
	}

	if got := len(mgr.Names()); got != 0 {
		t.Fatalf("expected no channels registered, got %d", got)
	}
}

func TestRegisterChannels_RegistersTelegram(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "token"
	cfg.Reviewers = []string{"42"}
	msgBus := bus.NewMessageBus(10)
	mgr := channel.NewManager(msgBus)

	if routes := registerChannels(cfg, msgBus, mgr); routes != nil {
		t.Fatalf("expected no webhook route in polling mode, got %v", routes)
	}

	names := mgr.Names()
	if len(names) != 1 || names[0] != "telegram" {
		t.Fatalf("expected telegram channel, got %v", names)
	}
}

func TestRegisterChannels_WebhookRoute(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.WebhookURL = "https://bot.example.com"
	msgBus := bus.NewMessageBus(10)
	mgr := channel.NewManager(msgBus)

	routes := registerChannels(cfg, msgBus, mgr)
	if len(routes) != 1 || routes[0].Path != "/bot123:abc" || routes[0].Handler == nil {
		t.Fatalf("expected telegram webhook route, got %v", routes)
	}
}

func TestNewHeartbeat_NilForMemoryStore(t *testing.T) {
	backend := &receiptBackend{store: receipt.NewMemoryStore(0)}
	if hb := newHeartbeat(backend, 0, bus.NewMessageBus(10), []string{"42"}); hb != nil {
		t.Fatal("expected no heartbeat for the memory store")
	}
}

func TestNewHeartbeat_PrunesExpiredRegistrations(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "receipts.db")
	db, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, 30)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	if err := db.Insert(ctx, "OLD1", now.AddDate(0, 0, -200)); err != nil {
		t.Fatalf("Insert old: %v", err)
	}
	if err := db.Insert(ctx, "NEW1", now); err != nil {
		t.Fatalf("Insert new: %v", err)
	}

	msgBus := bus.NewMessageBus(10)
	hb := newHeartbeat(&receiptBackend{store: db, db: db}, 30, msgBus, []string{"42"})
	if hb == nil {
		t.Fatal("expected heartbeat for the sql store")
	}
	if err := hb.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if exists, _ := db.Exists(ctx, "OLD1", time.Time{}); exists {
		t.Fatal("expired receipt was not pruned")
	}
	if exists, _ := db.Exists(ctx, "NEW1", time.Time{}); !exists {
		t.Fatal("current receipt must survive pruning")
	}
}

func TestNewHeartbeat_NotifiesReviewersWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "receipts.db")
	db, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, 30)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	msgBus := bus.NewMessageBus(10)
	hb := newHeartbeat(&receiptBackend{store: db, db: db}, 30, msgBus, []string{"42", "43"})
	_ = db.Close()

	if err := hb.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	for _, want := range []string{"42", "43"} {
		select {
		case msg := <-msgBus.Outbound():
			if msg.ChatID != want || msg.Channel != "telegram" {
				t.Fatalf("unexpected notice target: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected notice for reviewer %s", want)
		}
	}
}
