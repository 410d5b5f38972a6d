package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

func TestCompute_Empty(t *testing.T) {
	log := traffic.New()
	ledger, err := budget.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	defer ledger.Close()

	s := Compute(log, ledger)
	if s.TotalRequests != 0 || s.BlockedRequests != 0 {
		t.Errorf("expected zero stats on empty log, got %+v", s)
	}
}

func TestCompute_CountsWithin24Hours(t *testing.T) {
	log := traffic.New()
	now := time.Now().UTC()

	log.Append(model.TrafficEntry{
		ID: "recent-blocked", Timestamp: now.Add(-1 * time.Hour),
		Blocked:           true,
		PIIDetected:       []model.PIIMatch{{PIIType: model.PIIEmail}},
		InjectionDetected: []model.InjectionMatch{{Pattern: "ignore previous"}},
	})
	log.Append(model.TrafficEntry{
		ID: "recent-ok", Timestamp: now.Add(-2 * time.Hour),
	})
	log.Append(model.TrafficEntry{
		ID: "stale", Timestamp: now.Add(-48 * time.Hour),
		Blocked: true,
	})

	ledger, err := budget.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	defer ledger.Close()

	s := Compute(log, ledger)
	if s.TotalRequests != 2 {
		t.Errorf("expected 2 requests within 24h, got %d", s.TotalRequests)
	}
	if s.BlockedRequests != 1 {
		t.Errorf("expected 1 blocked within 24h, got %d", s.BlockedRequests)
	}
	if s.PIIDetections != 1 {
		t.Errorf("expected 1 PII detection, got %d", s.PIIDetections)
	}
	if s.InjectionAttempts != 1 {
		t.Errorf("expected 1 injection attempt, got %d", s.InjectionAttempts)
	}
}

func TestCompute_RequestsPerMinuteWindow(t *testing.T) {
	log := traffic.New()
	now := time.Now().UTC()

	log.Append(model.TrafficEntry{ID: "within-minute", Timestamp: now.Add(-10 * time.Second)})
	log.Append(model.TrafficEntry{ID: "outside-minute", Timestamp: now.Add(-5 * time.Minute)})

	ledger, err := budget.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	defer ledger.Close()

	s := Compute(log, ledger)
	if s.TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", s.TotalRequests)
	}
	if s.RequestsPerMinute != 1 {
		t.Errorf("expected 1 request within the last minute, got %v", s.RequestsPerMinute)
	}
}

func TestCompute_NilLedgerSafe(t *testing.T) {
	log := traffic.New()
	s := Compute(log, nil)
	if s.TotalSpendToday != 0 || s.TotalTokensToday != 0 {
		t.Errorf("expected zero spend/tokens with nil ledger, got %+v", s)
	}
}
