// Package proxy implements the transparent HTTP front-end that sits
// between client applications and the upstream LLM providers,
// inspecting every request/response pair through the interceptor
// pipeline. Adapted from the teacher's internal/proxy/proxy.go: the
// overall ServeHTTP shape (read body, resolve upstream, forward,
// handle response, never block on alerting) survives, but the
// tool-call rule-engine semantics are replaced end to end with
// access-control + PII/injection/budget inspection per
// original_source/proxy/server.py::proxy_handler.
package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptfirewall/promptfirewall/internal/access"
	"github.com/promptfirewall/promptfirewall/internal/alerts"
	"github.com/promptfirewall/promptfirewall/internal/broadcast"
	"github.com/promptfirewall/promptfirewall/internal/interceptor"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/provider"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

// maxRequestBody caps the size of an inbound request body, matching
// the teacher's 10MB ceiling — LLM chat bodies rarely approach it.
const maxRequestBody = 10 * 1024 * 1024

// Options holds the dependencies injected into the proxy at creation.
// Wired together by cmd/promptfirewall's start command.
type Options struct {
	Access         *access.Store
	Interceptor    *interceptor.Interceptor
	Alerts         *alerts.Dispatcher
	Broadcast      *broadcast.Hub
	Traffic        *traffic.Log
	UpstreamClient *http.Client
}

// Proxy is the http.Handler mounted as the inbound proxy surface. Per
// inbound request it implements design doc Sec 4.10's seven-step
// pipeline: read body, resolve target, access check, provider probe,
// interceptor.ProcessRequest, forward, interceptor.ProcessResponse.
type Proxy struct {
	access      *access.Store
	interceptor *interceptor.Interceptor
	alerts      *alerts.Dispatcher
	broadcast   *broadcast.Hub
	traffic     *traffic.Log
	client      *http.Client
}

// New builds a Proxy from opts.
func New(opts Options) *Proxy {
	return &Proxy{
		access:      opts.Access,
		interceptor: opts.Interceptor,
		alerts:      opts.Alerts,
		broadcast:   opts.Broadcast,
		traffic:     opts.Traffic,
		client:      opts.UpstreamClient,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// --- Step 1: read full body ---
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// --- Step 2: resolve target URL ---
	targetURL := r.Header.Get("X-Target-URL")
	if targetURL == "" {
		targetURL = r.URL.String()
	}

	// --- Step 3: access check ---
	if decision, reason := p.access.CheckEndpoint(targetURL); decision == access.DecisionBlock {
		writeJSONError(w, http.StatusForbidden, reason)
		return
	} else if decision == access.DecisionAllow {
		p.forwardWithoutInspection(w, r, targetURL, body)
		return
	}

	// --- Step 4: provider probe ---
	info := provider.Detect(targetURL, body)

	// --- Step 5: interceptor.process_request ---
	processedBody, entry := p.interceptor.ProcessRequest(body, targetURL)
	entry.Method = r.Method

	if entry.Blocked {
		entry.Status = http.StatusForbidden
		entry.LatencyMs = msSince(start)
		p.recordAndBroadcast(entry)
		p.alerts.Fire(model.EventRequestBlocked, entry.BlockReason, map[string]any{
			"endpoint": targetURL, "model": entry.Model, "provider": provider.DisplayName(info.Provider),
		}, "high")
		writeJSONError(w, http.StatusForbidden, entry.BlockReason)
		return
	}

	// --- Step 6: forward upstream ---
	resp, err := forwardRequest(p.client, targetURL, r, processedBody)
	if err != nil {
		slog.Error("upstream request failed", "target", targetURL, "error", err)
		entry.Status = http.StatusBadGateway
		entry.LatencyMs = msSince(start)
		p.recordAndBroadcast(entry)
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("failed to read upstream response", "error", err)
		entry.Status = http.StatusBadGateway
		entry.LatencyMs = msSince(start)
		p.recordAndBroadcast(entry)
		writeJSONError(w, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	// --- Step 7: process response ---
	entry = p.interceptor.ProcessResponse(respBody, entry)
	entry.Status = resp.StatusCode
	entry.LatencyMs = msSince(start)
	p.recordAndBroadcast(entry)
	p.fireResponseAlerts(entry)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// forwardWithoutInspection is the allow-listed fast path: no detector
// runs, the body passes through untouched.
func (p *Proxy) forwardWithoutInspection(w http.ResponseWriter, r *http.Request, targetURL string, body []byte) {
	resp, err := forwardRequest(p.client, targetURL, r, body)
	if err != nil {
		slog.Error("upstream request failed (allowlisted)", "target", targetURL, "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *Proxy) recordAndBroadcast(entry model.TrafficEntry) {
	p.traffic.Append(entry)
	p.broadcast.Broadcast(entry)
}

func (p *Proxy) fireResponseAlerts(entry model.TrafficEntry) {
	details := map[string]any{"id": entry.ID, "model": entry.Model, "endpoint": entry.Endpoint}

	switch entry.ThreatLevel {
	case model.ThreatCritical:
		p.alerts.Fire(model.EventThreatCritical, "critical threat level detected", details, "critical")
	case model.ThreatHigh:
		p.alerts.Fire(model.EventThreatHigh, "high threat level detected", details, "high")
	}

	for _, m := range entry.PIIDetected {
		if len(m.Redacted) >= 6 && m.Redacted[:6] == "[RESP]" {
			p.alerts.Fire(model.EventPIIResponseLeak, "PII detected in upstream response", details, "medium")
			break
		}
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"error": "blocked", "reason": reason})
	w.Write(body)
}
