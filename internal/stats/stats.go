// Package stats computes the dashboard snapshot shared by the admin
// REST surface and the broadcast hub's WebSocket init frame, so both
// call sites agree on the same 24h/60s windowing. Grounded in
// original_source/proxy/server.py's get_stats, which both
// api_get_stats and the dashboard init payload call directly.
package stats

import (
	"time"

	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

// Compute builds a DashboardStats snapshot: request/block/PII/injection
// counts over the trailing 24 hours, requests-per-minute over the
// trailing 60 seconds, and today's spend/token totals from ledger.
func Compute(log *traffic.Log, ledger *budget.Ledger) model.DashboardStats {
	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	minuteAgo := now.Add(-60 * time.Second)

	var s model.DashboardStats
	for _, t := range log.All() {
		if t.Timestamp.Before(dayAgo) {
			continue
		}
		s.TotalRequests++
		if t.Blocked {
			s.BlockedRequests++
		}
		s.PIIDetections += len(t.PIIDetected)
		s.InjectionAttempts += len(t.InjectionDetected)
		if !t.Timestamp.Before(minuteAgo) {
			s.RequestsPerMinute++
		}
	}

	if ledger != nil {
		if ls, err := ledger.GetStats(); err == nil {
			s.TotalSpendToday = ls.DailySpend
			s.TotalTokensToday = ls.DailyTokens
		}
	}
	return s
}
