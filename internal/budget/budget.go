// Package budget implements the persistent, indexed, append-only
// token/cost usage ledger, grounded in original_source/proxy/budget.py
// for the domain rules and in the teacher's internal/audit/index.go
// for the SQLite storage shape (WAL mode, busy timeout, single shared
// connection guarded by one mutex).
package budget

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

// modelPricing is the static per-1K-token price table, carried from
// original_source/proxy/budget.py::MODEL_PRICING.
var modelPricing = map[string]float64{
	"gpt-4o":            0.005,
	"gpt-4o-mini":       0.00015,
	"gpt-4-turbo":       0.01,
	"gpt-4":             0.03,
	"gpt-3.5-turbo":     0.0005,
	"claude-3-opus":     0.015,
	"claude-3-sonnet":   0.003,
	"claude-3-haiku":    0.00025,
	"claude-3.5-sonnet": 0.003,
	"claude-3.5-haiku":  0.001,
	"gemini-1.5-pro":    0.00125,
	"gemini-1.5-flash":  0.000075,
	"gemini-2.0-flash":  0.0001,
	"llama3":            0.0,
	"mistral":           0.0,
	"codellama":         0.0,
	"deepseek-r1":       0.0,
}

const defaultPricePer1K = 0.002

// Window names the time range a windowed query sums over.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// Ledger is the append-only usage ledger backed by a single SQLite
// connection. All operations hold ledger.mu, matching design doc
// Sec 5's "ledger's DB connection is shared; all SQL calls are under
// the ledger mutex".
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the SQLite-backed ledger at path. Pass
// ":memory:" for an ephemeral in-test ledger.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening budget ledger %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			model     TEXT NOT NULL,
			tokens    INTEGER NOT NULL,
			cost      REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating budget schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// legacyRow is the shape of one row in the pre-SQLite budget.json
// format.
type legacyRow struct {
	Timestamp string  `json:"timestamp"`
	Model     string  `json:"model"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
}

// MigrateLegacyJSON performs the one-time migration described in
// design doc Sec 4.6: if legacyPath exists and the usage table is
// still empty, bulk-insert its rows and rename the file to
// "<legacyPath>.migrated". A no-op if the table already has rows or
// the file is absent.
func (l *Ledger) MigrateLegacyJSON(legacyPath string) error {
	l.mu.Lock()
	var count int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM usage`).Scan(&count)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("checking usage table: %w", err)
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading legacy budget file %s: %w", legacyPath, err)
	}

	var rows []legacyRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parsing legacy budget file %s: %w", legacyPath, err)
	}

	l.mu.Lock()
	tx, err := l.db.Begin()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("beginning migration tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO usage (timestamp, model, tokens, cost) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		l.mu.Unlock()
		return fmt.Errorf("preparing migration insert: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.Exec(r.Timestamp, r.Model, r.Tokens, r.Cost); err != nil {
			stmt.Close()
			tx.Rollback()
			l.mu.Unlock()
			return fmt.Errorf("inserting migrated row: %w", err)
		}
	}
	stmt.Close()
	err = tx.Commit()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("committing migration tx: %w", err)
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		slog.Warn("budget legacy migration: rename failed", "path", legacyPath, "error", err)
	}
	return nil
}

// EstimateCost derives the dollar cost of tokens for model using the
// static price table, falling back to the default rate for unknown
// models.
func EstimateCost(modelName string, tokens int) float64 {
	rate, ok := modelPricing[modelName]
	if !ok {
		rate = defaultPricePer1K
	}
	return (float64(tokens) / 1000.0) * rate
}

// Record appends a usage row. If cost is nil, it is derived via
// EstimateCost.
func (l *Ledger) Record(modelName string, tokens int, cost *float64) error {
	c := 0.0
	if cost != nil {
		c = *cost
	} else {
		c = EstimateCost(modelName, tokens)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO usage (timestamp, model, tokens, cost) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), modelName, tokens, c,
	)
	if err != nil {
		slog.Error("budget ledger insert failed", "model", modelName, "error", err)
	}
	return err
}

func windowCutoff(window Window, now time.Time) time.Time {
	switch window {
	case WindowWeekly:
		return now.Add(-7 * 24 * time.Hour)
	case WindowMonthly:
		return now.Add(-30 * 24 * time.Hour)
	default:
		return now.Add(-24 * time.Hour)
	}
}

// Spend returns the total cost recorded within window, rounded to six
// decimal places, computed as an indexed range-sum rather than a
// table scan.
func (l *Ledger) Spend(window Window) (float64, error) {
	cutoff := windowCutoff(window, time.Now().UTC()).Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	err := l.db.QueryRow(`SELECT COALESCE(SUM(cost),0) FROM usage WHERE timestamp >= ?`, cutoff).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("querying spend: %w", err)
	}
	return round6(sum), nil
}

// Tokens returns the total token count recorded within window.
func (l *Ledger) Tokens(window Window) (int, error) {
	cutoff := windowCutoff(window, time.Now().UTC()).Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()
	var sum sql.NullInt64
	err := l.db.QueryRow(`SELECT COALESCE(SUM(tokens),0) FROM usage WHERE timestamp >= ?`, cutoff).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("querying tokens: %w", err)
	}
	return int(sum.Int64), nil
}

func round6(v float64) float64 {
	const mul = 1e6
	if v >= 0 {
		return float64(int64(v*mul+0.5)) / mul
	}
	return float64(int64(v*mul-0.5)) / mul
}

// WouldExceed evaluates rule against the cost a prospective charge
// would add, checking daily, weekly, then monthly in that order and
// returning the first breach.
func (l *Ledger) WouldExceed(rule model.BudgetRule, additionalCost float64) (bool, string, error) {
	if !rule.Enabled {
		return false, "", nil
	}

	checks := []struct {
		window Window
		limit  float64
		label  string
	}{
		{WindowDaily, rule.DailyLimit, "Daily"},
		{WindowWeekly, rule.WeeklyLimit, "Weekly"},
		{WindowMonthly, rule.MonthlyLimit, "Monthly"},
	}

	for _, c := range checks {
		current, err := l.Spend(c.window)
		if err != nil {
			return false, "", err
		}
		if current+additionalCost > c.limit {
			reason := fmt.Sprintf("%s limit $%.2f would be exceeded (current: $%.2f)", c.label, c.limit, current)
			return true, reason, nil
		}
	}
	return false, "", nil
}

// ShouldBlock reports whether a prospective charge for (model, tokens)
// should block the request under rule.
func (l *Ledger) ShouldBlock(rule model.BudgetRule, modelName string, tokens int) (bool, string, error) {
	if !rule.Enabled || rule.Action != model.ActionBlock {
		return false, "", nil
	}
	return l.WouldExceed(rule, EstimateCost(modelName, tokens))
}

// Stats reports the ledger summary used by the admin surface's GET
// stats endpoint and the broadcaster's dashboard stats frame.
type Stats struct {
	DailySpend   float64 `json:"daily_spend"`
	WeeklySpend  float64 `json:"weekly_spend"`
	MonthlySpend float64 `json:"monthly_spend"`
	DailyTokens  int     `json:"daily_tokens"`
	WeeklyTokens int     `json:"weekly_tokens"`
}

// GetStats computes the current spend/token snapshot.
func (l *Ledger) GetStats() (Stats, error) {
	var s Stats
	var err error
	if s.DailySpend, err = l.Spend(WindowDaily); err != nil {
		return s, err
	}
	if s.WeeklySpend, err = l.Spend(WindowWeekly); err != nil {
		return s, err
	}
	if s.MonthlySpend, err = l.Spend(WindowMonthly); err != nil {
		return s, err
	}
	if s.DailyTokens, err = l.Tokens(WindowDaily); err != nil {
		return s, err
	}
	if s.WeeklyTokens, err = l.Tokens(WindowWeekly); err != nil {
		return s, err
	}
	return s, nil
}
