// Package model defines the shared data types that flow between the
// policy store, detectors, budget ledger, interceptor, and the admin
// surface. Keeping them in one package avoids import cycles between
// the detector packages and the interceptor that composes them.
package model

import (
	"encoding/json"
	"time"
)

// ThreatLevel is an ordered severity enumeration: none < low < medium
// < high < critical.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatNone:     0,
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

// Less reports whether t is strictly less severe than other.
func (t ThreatLevel) Less(other ThreatLevel) bool {
	return threatRank[t] < threatRank[other]
}

// RuleAction is the enforcement action attached to a rule. Only Block
// and Redact have enforced behavior; Warn and Log attach metadata
// only.
type RuleAction string

const (
	ActionBlock  RuleAction = "block"
	ActionRedact RuleAction = "redact"
	ActionWarn   RuleAction = "warn"
	ActionLog    RuleAction = "log"
)

// PIIType is the closed set of built-in PII categories. Custom
// patterns carry their own label independent of this type.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
	// PIICustom marks a match produced by a process-registered custom
	// pattern rather than a built-in one. The match's Redacted label
	// carries the actual custom label; PIIType itself has no further
	// meaning for custom matches.
	PIICustom PIIType = "custom"
)

// PIIRule configures detection + enforcement for one built-in PII
// type.
type PIIRule struct {
	PIIType PIIType    `json:"pii_type" validate:"required"`
	Enabled bool       `json:"enabled"`
	Action  RuleAction `json:"action" validate:"required,oneof=block redact warn log"`
}

// InjectionRule configures the prompt-injection detector.
type InjectionRule struct {
	Enabled   bool       `json:"enabled"`
	Threshold float64    `json:"threshold" validate:"gte=0,lte=1"`
	Action    RuleAction `json:"action" validate:"required,oneof=block redact warn log"`
}

// BudgetRule configures spend-cap enforcement.
type BudgetRule struct {
	Enabled      bool       `json:"enabled"`
	DailyLimit   float64    `json:"daily_limit" validate:"gte=0"`
	WeeklyLimit  float64    `json:"weekly_limit" validate:"gte=0"`
	MonthlyLimit float64    `json:"monthly_limit" validate:"gte=0"`
	Action       RuleAction `json:"action" validate:"required,oneof=block redact warn log"`
}

// SecurityRules is the complete, persisted policy configuration.
type SecurityRules struct {
	PIIRules      []PIIRule     `json:"pii_rules" validate:"dive"`
	InjectionRule InjectionRule `json:"injection_rule"`
	BudgetRule    BudgetRule    `json:"budget_rule"`
}

// DefaultSecurityRules mirrors original_source/proxy/models.py's
// SecurityRules default_factory: all five built-in PII types enabled
// (SSN blocks, the other four redact), injection enabled at threshold
// 0.6 blocking, and a conservative daily/weekly/monthly budget.
func DefaultSecurityRules() SecurityRules {
	return SecurityRules{
		PIIRules: []PIIRule{
			{PIIType: PIIEmail, Enabled: true, Action: ActionRedact},
			{PIIType: PIIPhone, Enabled: true, Action: ActionRedact},
			{PIIType: PIISSN, Enabled: true, Action: ActionBlock},
			{PIIType: PIICreditCard, Enabled: true, Action: ActionRedact},
			{PIIType: PIIIPAddress, Enabled: true, Action: ActionRedact},
		},
		InjectionRule: InjectionRule{Enabled: true, Threshold: 0.6, Action: ActionBlock},
		BudgetRule: BudgetRule{
			Enabled: true, DailyLimit: 1.0, WeeklyLimit: 10.0, MonthlyLimit: 50.0,
			Action: ActionBlock,
		},
	}
}

// PIIMatch records a single PII detection. Position is a half-open
// byte-offset range [Start, End) into the scanned text.
type PIIMatch struct {
	PIIType  PIIType `json:"pii_type"`
	Value    string  `json:"value"`
	Redacted string  `json:"redacted"`
	Start    int     `json:"-"`
	End      int     `json:"-"`
}

// Position returns the (start, end) pair for JSON serialization as a
// two-element array, matching the Python tuple shape.
func (m PIIMatch) Position() [2]int { return [2]int{m.Start, m.End} }

// MarshalJSON implements a tuple-shaped "position" field alongside the
// other PIIMatch fields.
func (m PIIMatch) MarshalJSON() ([]byte, error) {
	type alias struct {
		PIIType  PIIType `json:"pii_type"`
		Value    string  `json:"value"`
		Redacted string  `json:"redacted"`
		Position [2]int  `json:"position"`
	}
	return json.Marshal(alias{
		PIIType:  m.PIIType,
		Value:    m.Value,
		Redacted: m.Redacted,
		Position: m.Position(),
	})
}

// InjectionMatch records a single injection-pattern hit.
type InjectionMatch struct {
	Pattern  string      `json:"pattern"`
	Score    float64     `json:"score"`
	Severity ThreatLevel `json:"severity"`
}

// TrafficEntry is the canonical per-request audit record produced by
// the interceptor and appended to the traffic log.
type TrafficEntry struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	Method            string           `json:"method"`
	Endpoint          string           `json:"endpoint"`
	Model             string           `json:"model"`
	PromptPreview     string           `json:"prompt_preview"`
	Status            int              `json:"status"`
	TokensUsed        int              `json:"tokens_used"`
	Cost              float64          `json:"cost"`
	ThreatLevel       ThreatLevel      `json:"threat_level"`
	PIIDetected       []PIIMatch       `json:"pii_detected"`
	InjectionDetected []InjectionMatch `json:"injection_detected"`
	Blocked           bool             `json:"blocked"`
	BlockReason       string           `json:"block_reason,omitempty"`
	LatencyMs         float64          `json:"latency_ms"`
}

// UsageRow is a single append-only budget ledger row.
type UsageRow struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"`
}

// AccessRules holds the allow/block lists for endpoints, models, and
// keywords.
type AccessRules struct {
	AllowedEndpoints []string `json:"allowed_endpoints"`
	BlockedEndpoints []string `json:"blocked_endpoints"`
	BlockedKeywords  []string `json:"blocked_keywords"`
	AllowedModels    []string `json:"allowed_models"`
	BlockedModels    []string `json:"blocked_models"`
}

// AlertEvent names a kind of security event that can trigger a
// webhook dispatch.
type AlertEvent string

const (
	EventThreatHigh      AlertEvent = "threat_high"
	EventThreatCritical  AlertEvent = "threat_critical"
	EventRequestBlocked  AlertEvent = "request_blocked"
	EventBudgetWarning   AlertEvent = "budget_warning"
	EventPIIResponseLeak AlertEvent = "pii_response_leak"
)

// AllAlertEvents is the default event set a new webhook subscribes
// to when none is specified.
func AllAlertEvents() []AlertEvent {
	return []AlertEvent{
		EventThreatHigh, EventThreatCritical, EventRequestBlocked,
		EventBudgetWarning, EventPIIResponseLeak,
	}
}

// WebhookConfig describes one registered alert subscriber. Name acts
// as the primary key for update/removal.
type WebhookConfig struct {
	Name    string       `json:"name"`
	URL     string       `json:"url"`
	Events  []AlertEvent `json:"events"`
	Enabled bool         `json:"enabled"`
	Secret  string       `json:"secret,omitempty"`
}

// AlertPayload is the JSON body posted to a webhook subscriber.
type AlertPayload struct {
	Event     AlertEvent     `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
}

// DashboardStats is the live snapshot served by GET /api/stats and
// embedded in broadcast frames. Carried over from
// original_source/proxy/models.py::DashboardStats, which the
// distilled spec references by name in Admin surface (Sec 4.11) but
// does not define.
type DashboardStats struct {
	TotalRequests     int     `json:"total_requests"`
	BlockedRequests   int     `json:"blocked_requests"`
	PIIDetections     int     `json:"pii_detections"`
	InjectionAttempts int     `json:"injection_attempts"`
	TotalSpendToday   float64 `json:"total_spend_today"`
	TotalTokensToday  int     `json:"total_tokens_today"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
}
