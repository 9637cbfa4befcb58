package metrics

import (
	"testing"
	"time"
)

func TestRuntimeMetrics_AggregatesReceiptAndChannelStats(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRuntimeMetrics(workspace)

	snap, err := recorder.RecordAdmit(120*time.Millisecond, AdmitAccepted)
	if err != nil {
		t.Fatalf("RecordAdmit accepted error: %v", err)
	}
	if snap.Receipts.Admits != 1 || snap.Receipts.Accepted != 1 {
		t.Fatalf("unexpected first receipt snapshot: %+v", snap.Receipts)
	}

	_, _ = recorder.RecordAdmit(250*time.Millisecond, AdmitDuplicate)
	_, _ = recorder.RecordAdmit(2*time.Second, AdmitStoreError)
	snap, _ = recorder.RecordAdmit(0, AdmitInvalid)

	if snap.Receipts.Admits != 4 {
		t.Fatalf("expected 4 admits, got %d", snap.Receipts.Admits)
	}
	if snap.Receipts.Duplicates != 1 || snap.Receipts.StoreErrors != 1 || snap.Receipts.Invalid != 1 {
		t.Fatalf("unexpected outcome counts: %+v", snap.Receipts)
	}
	if got := snap.Receipts.DuplicateRatio(); got < 0.24 || got > 0.26 {
		t.Fatalf("expected duplicate ratio about 0.25, got %.4f", got)
	}
	if got := snap.Receipts.StoreErrorRatio(); got < 0.24 || got > 0.26 {
		t.Fatalf("expected store error ratio about 0.25, got %.4f", got)
	}
	if snap.Receipts.MaxLatencyMs != 2000 {
		t.Fatalf("expected max latency 2000, got %d", snap.Receipts.MaxLatencyMs)
	}
	if snap.Receipts.P95ProxyLatencyMs <= 0 {
		t.Fatalf("expected p95 proxy latency > 0, got %d", snap.Receipts.P95ProxyLatencyMs)
	}

	_, _ = recorder.RecordChannelSend(true)
	_, _ = recorder.RecordChannelSend(false)
	snap, _ = recorder.RecordChannelSend(true)

	if snap.Channel.SendAttempts != 3 || snap.Channel.SendFailures != 1 {
		t.Fatalf("unexpected channel snapshot: %+v", snap.Channel)
	}
	if got := snap.Channel.FailureRatio(); got < 0.33 || got > 0.34 {
		t.Fatalf("expected channel failure ratio about 0.3333, got %.4f", got)
	}
}

func TestRuntimeMetrics_RecordRequest(t *testing.T) {
	recorder := NewRuntimeMetrics("")

	for _, outcome := range []RequestOutcome{RequestSubmitted, RequestSubmitted, RequestSubmitted, RequestApproved, RequestExpired} {
		if _, err := recorder.RecordRequest(outcome); err != nil {
			t.Fatalf("RecordRequest(%s) error: %v", outcome, err)
		}
	}
	snap := recorder.Snapshot()
	if snap.Requests.Submitted != 3 || snap.Requests.Approved != 1 || snap.Requests.Expired != 1 {
		t.Fatalf("unexpected request stats: %+v", snap.Requests)
	}
	if snap.Requests.Pending() != 1 {
		t.Fatalf("expected 1 pending request, got %d", snap.Requests.Pending())
	}
	if !snap.HasData() {
		t.Fatal("expected snapshot to have data")
	}
}

func TestRuntimeMetrics_ReadRuntimeSnapshot(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRuntimeMetrics(workspace)
	if _, err := recorder.RecordAdmit(99*time.Millisecond, AdmitAccepted); err != nil {
		t.Fatalf("RecordAdmit error: %v", err)
	}
	if _, err := recorder.RecordChannelSend(false); err != nil {
		t.Fatalf("RecordChannelSend error: %v", err)
	}

	snap, err := ReadRuntimeSnapshot(workspace)
	if err != nil {
		t.Fatalf("ReadRuntimeSnapshot error: %v", err)
	}
	if snap.Receipts.Admits != 1 || snap.Channel.SendAttempts != 1 || snap.Channel.SendFailures != 1 {
		t.Fatalf("unexpected loaded snapshot: %+v", snap)
	}
}

func TestRuntimeMetrics_ReadMissingSnapshot(t *testing.T) {
	snap, err := ReadRuntimeSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("ReadRuntimeSnapshot error: %v", err)
	}
	if snap.HasData() {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestRuntimeMetrics_NilRecorderIsNoop(t *testing.T) {
	var recorder *RuntimeMetrics
	if _, err := recorder.RecordRequest(RequestSubmitted); err != nil {
		t.Fatalf("nil recorder returned error: %v", err)
	}
	if recorder.Snapshot().HasData() {
		t.Fatal("nil recorder must report no data")
	}
}

func TestRuntimeMetrics_ResumesPersistedCounters(t *testing.T) {
	workspace := t.TempDir()
	first := NewRuntimeMetrics(workspace)
	_, _ = first.RecordRequest(RequestSubmitted)
	_, _ = first.RecordRequest(RequestApproved)

	second := NewRuntimeMetrics(workspace)
	snap, err := second.RecordRequest(RequestSubmitted)
	if err != nil {
		t.Fatalf("RecordRequest error: %v", err)
	}
	if snap.Requests.Submitted != 2 || snap.Requests.Approved != 1 {
		t.Fatalf("expected counters to resume, got %+v", snap.Requests)
	}
}
