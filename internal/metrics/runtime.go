package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// RequestOutcome is a lifecycle transition of a submitted request.
type RequestOutcome string

const (
	RequestSubmitted RequestOutcome = "submitted"
	RequestApproved  RequestOutcome = "approved"
	RequestRejected  RequestOutcome = "rejected"
	RequestExpired   RequestOutcome = "expired"
)

// AdmitOutcome classifies a receipt admission.
type AdmitOutcome string

const (
	AdmitAccepted   AdmitOutcome = "accepted"
	AdmitDuplicate  AdmitOutcome = "duplicate"
	AdmitInvalid    AdmitOutcome = "invalid"
	AdmitStoreError AdmitOutcome = "store_error"
)

// RuntimeSnapshot contains aggregated runtime metrics.
type RuntimeSnapshot struct {
	UpdatedAt time.Time    `json:"updated_at"`
	Requests  RequestStats `json:"requests"`
	Receipts  ReceiptStats `json:"receipts"`
	Channel   ChannelStats `json:"channel"`
}

// RequestStats counts request lifecycle outcomes.
type RequestStats struct {
	Submitted int64 `json:"submitted"`
	Approved  int64 `json:"approved"`
	Rejected  int64 `json:"rejected"`
	Expired   int64 `json:"expired"`
}

// Pending returns submitted requests without a recorded outcome.
func (r RequestStats) Pending() int64 {
	n := r.Submitted - r.Approved - r.Rejected - r.Expired
	if n < 0 {
		return 0
	}
	return n
}

// ReceiptStats tracks receipt admissions and store latency.
type ReceiptStats struct {
	Admits            int64 `json:"admits"`
	Accepted          int64 `json:"accepted"`
	Duplicates        int64 `json:"duplicates"`
	Invalid           int64 `json:"invalid"`
	StoreErrors       int64 `json:"store_errors"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// DuplicateRatio returns duplicates/admits in [0,1].
func (r ReceiptStats) DuplicateRatio() float64 {
	if r.Admits <= 0 {
		return 0
	}
	return float64(r.Duplicates) / float64(r.Admits)
}

// StoreErrorRatio returns store_errors/admits in [0,1].
func (r ReceiptStats) StoreErrorRatio() float64 {
	if r.Admits <= 0 {
		return 0
	}
	return float64(r.StoreErrors) / float64(r.Admits)
}

// AvgLatencyMs returns average admission latency in milliseconds.
func (r ReceiptStats) AvgLatencyMs() float64 {
	if r.Admits <= 0 {
		return 0
	}
	return float64(r.TotalLatencyMs) / float64(r.Admits)
}

// ChannelStats tracks outbound channel send metrics.
type ChannelStats struct {
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (c ChannelStats) FailureRatio() float64 {
	if c.SendAttempts <= 0 {
		return 0
	}
	return float64(c.SendFailures) / float64(c.SendAttempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Requests.Submitted > 0 || s.Receipts.Admits > 0 || s.Channel.SendAttempts > 0
}

// RuntimeMetrics records and persists runtime metrics. A nil recorder is a no-op.
type RuntimeMetrics struct {
	path string

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a metrics recorder rooted at <workspace>/state/runtime_metrics.json.
// Counters resume from a previously persisted snapshot; the latency
// histogram starts empty. An empty workspace keeps metrics in memory only.
func NewRuntimeMetrics(workspacePath string) *RuntimeMetrics {
	m := &RuntimeMetrics{buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1)}
	if strings.TrimSpace(workspacePath) == "" {
		return m
	}
	m.path = runtimeMetricsPath(workspacePath)
	if snap, err := ReadRuntimeSnapshot(workspacePath); err == nil {
		m.snap = snap
	}
	return m
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// update applies fn under the lock, stamps the snapshot and persists it.
func (m *RuntimeMetrics) update(fn func(*RuntimeSnapshot)) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	m.mu.Lock()
	fn(&m.snap)
	m.snap.UpdatedAt = time.Now().UTC()
	snapshot := m.snap
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// RecordRequest counts a request lifecycle outcome.
func (m *RuntimeMetrics) RecordRequest(outcome RequestOutcome) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		switch outcome {
		case RequestSubmitted:
			s.Requests.Submitted++
		case RequestApproved:
			s.Requests.Approved++
		case RequestRejected:
			s.Requests.Rejected++
		case RequestExpired:
			s.Requests.Expired++
		}
	})
}

// RecordAdmit counts a receipt admission and its store latency.
func (m *RuntimeMetrics) RecordAdmit(duration time.Duration, outcome AdmitOutcome) (RuntimeSnapshot, error) {
	latencyMs := max(duration.Milliseconds(), 0)
	return m.update(func(s *RuntimeSnapshot) {
		r := &s.Receipts
		r.Admits++
		switch outcome {
		case AdmitAccepted:
			r.Accepted++
		case AdmitDuplicate:
			r.Duplicates++
		case AdmitInvalid:
			r.Invalid++
		case AdmitStoreError:
			r.StoreErrors++
		}
		r.TotalLatencyMs += latencyMs
		r.LastLatencyMs = latencyMs
		r.MaxLatencyMs = max(r.MaxLatencyMs, latencyMs)
		m.buckets[latencyBucketIndex(latencyMs)]++
		r.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, sum(m.buckets))
	})
}

// RecordChannelSend counts one outbound delivery, after retries.
func (m *RuntimeMetrics) RecordChannelSend(success bool) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Channel.SendAttempts++
		if !success {
			s.Channel.SendFailures++
		}
	})
}

func sum(xs []int64) int64 {
	var n int64
	for _, x := range xs {
		n += x
	}
	return n
}

// ReadRuntimeSnapshot reads the persisted snapshot from workspace state.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(workspacePath string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(workspacePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(workspacePath string) string {
	return filepath.Join(workspacePath, "state", runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}
