package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/waybill/internal/approval"
	"github.com/MEKXH/waybill/internal/lock"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/request"
	"github.com/MEKXH/waybill/internal/session"
	"github.com/MEKXH/waybill/internal/state"
)

func testEnv(t *testing.T, reg *Registry, sender string, reviewer bool) Env {
	t.Helper()
	locks := lock.NewManager(time.Hour, nil)
	t.Cleanup(locks.Close)
	return Env{
		Channel:      "telegram",
		ChatID:       sender,
		SenderID:     sender,
		Reviewer:     reviewer,
		Sessions:     session.NewStore(),
		Locks:        locks,
		Pending:      approval.NewPendingRejections(),
		Gate:         state.NewGate(""),
		Metrics:      metrics.NewRuntimeMetrics(""),
		ListCommands: reg.List,
	}
}

func TestRegistry_LookupStripsBotSuffix(t *testing.T) {
	reg := NewDefaultRegistry()

	cases := map[string]string{
		"/start":               "start",
		"  /START  ":           "start",
		"/open@waybill_bot":    "open",
		"/close@waybill_bot x": "close",
	}
	for input, want := range cases {
		cmd, _, ok := reg.Lookup(input)
		if !ok {
			t.Fatalf("expected %q to resolve", input)
		}
		if cmd.Name() != want {
			t.Fatalf("expected %q -> %s, got %s", input, want, cmd.Name())
		}
	}

	for _, input := range []string{"start", "/", "/@bot", "/unknown", "Standstill"} {
		if _, _, ok := reg.Lookup(input); ok {
			t.Fatalf("expected %q not to resolve", input)
		}
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&HelpCommand{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate register")
		}
	}()
	reg.Register(&HelpCommand{})
}

func TestReviewerOnly(t *testing.T) {
	if !ReviewerOnly(&OpenCommand{}) || !ReviewerOnly(&CloseCommand{}) || !ReviewerOnly(&StatusCommand{}) {
		t.Fatal("expected gate and status commands to be reviewer-only")
	}
	if ReviewerOnly(&StartCommand{}) || ReviewerOnly(&HelpCommand{}) {
		t.Fatal("expected start and help to be open to everyone")
	}
}

func TestStartCommand_ResetsSessionAndShowsMenu(t *testing.T) {
	reg := NewDefaultRegistry()
	env := testEnv(t, reg, "100", false)
	env.Sessions.Put(session.New("100", "100", "Ann", request.TypeStandstill, time.Now()))

	res := (&StartCommand{}).Execute(context.Background(), "", env)
	if _, ok := env.Sessions.Get("100"); ok {
		t.Fatal("expected session removed by /start")
	}
	if res.Content != request.MenuText {
		t.Fatalf("expected menu text, got %q", res.Content)
	}
	if len(res.Keyboard) != len(request.Types()) {
		t.Fatalf("expected menu keyboard, got %+v", res.Keyboard)
	}
}

func TestGateCommands_Toggle(t *testing.T) {
	reg := NewDefaultRegistry()
	env := testEnv(t, reg, "900", true)

	(&CloseCommand{}).Execute(context.Background(), "", env)
	if env.Gate.IsOpen() {
		t.Fatal("expected gate closed")
	}
	(&OpenCommand{}).Execute(context.Background(), "", env)
	if !env.Gate.IsOpen() {
		t.Fatal("expected gate open")
	}
}

func TestHelpCommand_HidesReviewerCommands(t *testing.T) {
	reg := NewDefaultRegistry()

	res := (&HelpCommand{}).Execute(context.Background(), "", testEnv(t, reg, "100", false))
	if strings.Contains(res.Content, "/open") || strings.Contains(res.Content, "/status") {
		t.Fatalf("requester help must not list reviewer commands: %q", res.Content)
	}
	if !strings.Contains(res.Content, "/start") {
		t.Fatalf("expected /start in help: %q", res.Content)
	}

	res = (&HelpCommand{}).Execute(context.Background(), "", testEnv(t, reg, "900", true))
	if !strings.Contains(res.Content, "/close") {
		t.Fatalf("expected reviewer help to list /close: %q", res.Content)
	}
}

func TestStatusCommand_ReportsCounts(t *testing.T) {
	reg := NewDefaultRegistry()
	env := testEnv(t, reg, "900", true)
	if _, err := env.Gate.Close("900"); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	env.Sessions.Put(session.New("100", "100", "", request.TypeOverMileage, time.Now()))
	if err := env.Locks.Acquire(request.Request{RequesterID: "200", ReceiptNumber: "A"}); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	res := (&StatusCommand{}).Execute(context.Background(), "", env)
	for _, want := range []string{"Gate: closed", "Sessions in progress: 1", "Awaiting decision: 1", "Awaiting rejection reason: 0"} {
		if !strings.Contains(res.Content, want) {
			t.Fatalf("expected %q in status, got %q", want, res.Content)
		}
	}
}
