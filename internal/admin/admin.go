// Package admin implements the REST boundary the dashboard and other
// operator tooling use to read/write policy, access rules, webhook
// registrations, traffic, and alert history, plus a dry-run replay
// endpoint. Grounded in original_source/proxy/server.py's
// api_*/cors_middleware/auth_middleware functions for the route and
// middleware shape, and in the teacher's internal/dashboard/dashboard.go
// for the Go idiom (an Options struct of injected dependencies, a
// Handler ServeMux, writeJSON helper).
//
// The auth middleware diverges from the original: server.py's
// exempt_paths set accidentally covers every registered route
// (including the POST/DELETE webhook mutators), so X-API-Key is
// never actually enforced there. This rewrite enforces the key on
// every mutating route — rules/access/webhook writes — and exempts
// reads, the dry-run replay endpoint, and the two detector test
// endpoints, matching the
// "mutating admin routes require X-API-Key ... an explicit exempt set
// of read-only/test routes bypasses it" behavior named in
// SPEC_FULL.md Sec 4.11.
package admin

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptfirewall/promptfirewall/internal/access"
	"github.com/promptfirewall/promptfirewall/internal/alerts"
	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/injection"
	"github.com/promptfirewall/promptfirewall/internal/interceptor"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/pii"
	"github.com/promptfirewall/promptfirewall/internal/policy"
	"github.com/promptfirewall/promptfirewall/internal/stats"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

// Options holds the dependencies injected into the admin surface.
type Options struct {
	Policy      *policy.Store
	Access      *access.Store
	PII         *pii.Detector
	Ledger      *budget.Ledger
	Interceptor *interceptor.Interceptor
	Alerts      *alerts.Dispatcher
	Traffic     *traffic.Log

	// APIKey gates mutating routes. Generated at startup or sourced
	// from PF_API_KEY by the caller.
	APIKey string
	// CORSOrigins is the configured allowlist (PF_CORS_ORIGINS). A
	// single "*" entry allows any origin.
	CORSOrigins []string
}

// Admin serves the JSON REST surface plus a Prometheus /metrics
// sub-endpoint.
type Admin struct {
	policy      *policy.Store
	access      *access.Store
	pii         *pii.Detector
	ledger      *budget.Ledger
	interceptor *interceptor.Interceptor
	alerts      *alerts.Dispatcher
	traffic     *traffic.Log

	apiKey      string
	corsOrigins map[string]bool
	corsAny     bool

	registry *prometheus.Registry
}

// New builds an Admin and registers its Prometheus collectors on a
// dedicated registry (never the global DefaultRegisterer, so repeated
// construction in tests never double-registers).
func New(opts Options) *Admin {
	a := &Admin{
		policy:      opts.Policy,
		access:      opts.Access,
		pii:         opts.PII,
		ledger:      opts.Ledger,
		interceptor: opts.Interceptor,
		alerts:      opts.Alerts,
		traffic:     opts.Traffic,
		apiKey:      opts.APIKey,
		corsOrigins: make(map[string]bool, len(opts.CORSOrigins)),
		registry:    prometheus.NewRegistry(),
	}
	for _, o := range opts.CORSOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			a.corsAny = true
		}
		a.corsOrigins[o] = true
	}
	a.registerMetrics()
	return a
}

// registerMetrics wires GaugeFuncs that recompute the dashboard
// snapshot on every /metrics scrape, mirroring the DashboardStats
// fields named in SPEC_FULL.md Sec 4.11 rather than duplicating
// counters the request path would otherwise have to increment.
func (a *Admin) registerMetrics() {
	reg := promauto.With(a.registry)
	reg.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "promptfirewall",
		Name:      "requests_total",
		Help:      "Requests recorded in the last 24 hours.",
	}, func() float64 { return float64(a.computeStats().TotalRequests) })
	reg.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "promptfirewall",
		Name:      "blocked_total",
		Help:      "Blocked requests recorded in the last 24 hours.",
	}, func() float64 { return float64(a.computeStats().BlockedRequests) })
	reg.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "promptfirewall",
		Name:      "pii_detections_total",
		Help:      "PII matches recorded in the last 24 hours.",
	}, func() float64 { return float64(a.computeStats().PIIDetections) })
	reg.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "promptfirewall",
		Name:      "injection_attempts_total",
		Help:      "Injection matches recorded in the last 24 hours.",
	}, func() float64 { return float64(a.computeStats().InjectionAttempts) })
}

// Handler returns the http.Handler for the admin surface, with CORS
// applied to every route and the API-key check applied to mutating
// routes only.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", a.handleStats)

	mux.HandleFunc("GET /api/rules", a.handleGetRules)
	mux.HandleFunc("POST /api/rules", a.requireAPIKey(a.handlePostRules))

	mux.HandleFunc("GET /api/access", a.handleGetAccess)
	mux.HandleFunc("POST /api/access", a.requireAPIKey(a.handlePostAccess))

	mux.HandleFunc("GET /api/webhooks", a.handleGetWebhooks)
	mux.HandleFunc("POST /api/webhooks", a.requireAPIKey(a.handlePostWebhook))
	mux.HandleFunc("DELETE /api/webhooks/{name}", a.requireAPIKey(a.handleDeleteWebhook))

	mux.HandleFunc("GET /api/alerts", a.handleGetAlerts)

	mux.HandleFunc("GET /api/traffic", a.handleGetTraffic)
	mux.HandleFunc("GET /api/traffic/export", a.handleExportTraffic)

	mux.HandleFunc("POST /api/replay", a.handleReplay)
	mux.HandleFunc("POST /api/test/pii", a.handleTestPII)
	mux.HandleFunc("POST /api/test/injection", a.handleTestInjection)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	return a.cors(mux)
}

// --- Middleware ---

func (a *Admin) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != a.apiKey {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (a *Admin) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case a.corsAny:
			w.Header().Set("Access-Control-Allow-Origin", firstNonEmpty(origin, "*"))
		case origin != "" && a.corsOrigins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		case origin == "":
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Target-URL, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// --- Stats ---

// computeStats delegates to internal/stats so the REST surface and the
// broadcast hub's WebSocket init frame agree on the same snapshot.
func (a *Admin) computeStats() model.DashboardStats {
	return stats.Compute(a.traffic, a.ledger)
}

func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.computeStats())
}

// --- Rules ---

func (a *Admin) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.policy.Get())
}

func (a *Admin) handlePostRules(w http.ResponseWriter, r *http.Request) {
	var rules model.SecurityRules
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := a.policy.Update(rules)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_failed", "detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Access ---

func (a *Admin) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.access.ToDict())
}

func (a *Admin) handlePostAccess(w http.ResponseWriter, r *http.Request) {
	var update access.PartialUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rules, err := a.access.Apply(update)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to persist access rules")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// --- Webhooks ---

func (a *Admin) handleGetWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.List())
}

func (a *Admin) handlePostWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string             `json:"url"`
		Name   string             `json:"name"`
		Events []model.AlertEvent `json:"events"`
		Secret string             `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url field required")
		return
	}
	wh := a.alerts.Add(req.URL, req.Name, req.Events, req.Secret)
	writeJSON(w, http.StatusOK, wh)
}

func (a *Admin) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.alerts.Remove(name) {
		writeJSONError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

// --- Alerts ---

func (a *Admin) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.History(queryLimit(r, 50)))
}

// --- Traffic ---

func (a *Admin) handleGetTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.traffic.Last(queryLimit(r, 100)))
}

func (a *Admin) handleExportTraffic(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	entries := a.traffic.All()

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=traffic_export.csv")
		writer := csv.NewWriter(w)
		writer.Write([]string{
			"id", "timestamp", "method", "endpoint", "model", "prompt_preview",
			"status", "tokens_used", "cost", "threat_level", "blocked", "block_reason",
			"latency_ms", "pii_detected", "injection_detected",
		})
		for _, e := range entries {
			pii, _ := json.Marshal(e.PIIDetected)
			inj, _ := json.Marshal(e.InjectionDetected)
			writer.Write([]string{
				e.ID, e.Timestamp.Format(time.RFC3339), e.Method, e.Endpoint, e.Model,
				e.PromptPreview, strconv.Itoa(e.Status), strconv.Itoa(e.TokensUsed),
				strconv.FormatFloat(e.Cost, 'f', -1, 64), string(e.ThreatLevel),
				strconv.FormatBool(e.Blocked), e.BlockReason,
				strconv.FormatFloat(e.LatencyMs, 'f', -1, 64), string(pii), string(inj),
			})
		}
		writer.Flush()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=traffic_export.json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(entries)
}

// --- Replay ---

type replayRequest struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// handleReplay runs process_request only (never process_response, and
// so never calls ledger.Record) — this is the mechanism behind
// testable property 8, "replay never forwards / never records usage".
func (a *Admin) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var text, endpoint, modelName string
	if req.ID != "" {
		entry, ok := a.traffic.Find(req.ID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "entry not found")
			return
		}
		text, endpoint, modelName = entry.PromptPreview, entry.Endpoint, entry.Model
	} else {
		text = req.Text
		endpoint = firstNonEmpty(req.Endpoint, "test://replay")
		modelName = firstNonEmpty(req.Model, "unknown")
	}

	if text == "" {
		writeJSONError(w, http.StatusBadRequest, "no text to replay")
		return
	}

	synthetic, err := json.Marshal(map[string]any{
		"model":    modelName,
		"messages": []map[string]string{{"role": "user", "content": text}},
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build synthetic body")
		return
	}

	_, entry := a.interceptor.ProcessRequest(synthetic, endpoint)
	writeJSON(w, http.StatusOK, map[string]any{
		"replay":             true,
		"blocked":            entry.Blocked,
		"block_reason":       entry.BlockReason,
		"threat_level":       entry.ThreatLevel,
		"pii_detected":       entry.PIIDetected,
		"injection_detected": entry.InjectionDetected,
		"tokens_estimated":   entry.TokensUsed,
		"model":              entry.Model,
	})
}

// --- Detector test endpoints ---

type textRequest struct {
	Text string `json:"text"`
}

func (a *Admin) handleTestPII(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text field required")
		return
	}
	rules := a.policy.Get().PIIRules
	matches := a.pii.Detect(req.Text, rules)
	writeJSON(w, http.StatusOK, matches)
}

func (a *Admin) handleTestInjection(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text field required")
		return
	}
	rule := a.policy.Get().InjectionRule
	matches := injection.Detect(req.Text, rule)
	score := injection.ComputeScore(matches)
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"score":   score,
		"level":   injection.ThreatLevelFor(score),
	})
}

// --- Helpers ---

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": errorTag(status), "reason": reason})
}

// errorTag matches the tag vocabulary named in SPEC_FULL.md Sec 7:
// validation_failed is set by callers directly; every other admin
// error surfaces a status-appropriate tag here.
func errorTag(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return "bad_request"
	}
}
