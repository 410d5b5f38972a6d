package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptfirewall/promptfirewall/internal/access"
	"github.com/promptfirewall/promptfirewall/internal/alerts"
	"github.com/promptfirewall/promptfirewall/internal/broadcast"
	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/interceptor"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/pii"
	"github.com/promptfirewall/promptfirewall/internal/policy"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

func newTestProxy(t *testing.T, upstream *httptest.Server) *Proxy {
	t.Helper()
	dir := t.TempDir()
	accessStore := access.Open(filepath.Join(dir, "access.json"))
	policyStore := policy.Open(filepath.Join(dir, "policy.json"))
	ledger, err := budget.Open(filepath.Join(dir, "budget.db"))
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	ic := interceptor.New(policyStore, pii.New(), ledger)
	trafficLog := traffic.New()
	hub := broadcast.NewHub(
		func() model.DashboardStats { return model.DashboardStats{} },
		func(n int) []model.TrafficEntry { return trafficLog.Last(n) },
	)
	dispatcher := alerts.New()

	return New(Options{
		Access:         accessStore,
		Interceptor:    ic,
		Alerts:         dispatcher,
		Broadcast:      hub,
		Traffic:        trafficLog,
		UpstreamClient: upstream.Client(),
	})
}

func TestCleanRequestForwardsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"4"}}],"usage":{"total_tokens":10}}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream)
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"What is 2+2?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-Target-URL", upstream.URL+"/v1/chat/completions")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if p.traffic.Len() != 1 {
		t.Fatalf("expected one traffic entry, got %d", p.traffic.Len())
	}
}

func TestSSNBlockReturns403WithoutForwarding(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream)
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"SSN: 123-45-6789"}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-Target-URL", upstream.URL+"/v1/chat/completions")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
	if called {
		t.Fatal("upstream must not be called for a blocked request")
	}
	var errBody map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if errBody["error"] == "" || errBody["reason"] == "" {
		t.Fatalf("expected error+reason fields, got %v", errBody)
	}
}

func TestAccessBlockedEndpointReturns403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream)
	blocked := []string{"/admin"}
	if _, err := p.access.Apply(access.PartialUpdate{BlockedEndpoints: &blocked}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Target-URL", upstream.URL+"/admin/delete")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
}

func TestAllowlistedEndpointBypassesInspection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("passthrough"))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream)
	allowed := []string{"/v1/models"}
	if _, err := p.access.Apply(access.PartialUpdate{AllowedEndpoints: &allowed}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	req.Header.Set("X-Target-URL", upstream.URL+"/v1/models")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "passthrough" {
		t.Fatalf("got status %d body %q", rec.Code, rec.Body.String())
	}
	// Allowlisted requests never reach the interceptor, so no traffic
	// entry is recorded for them.
	if p.traffic.Len() != 0 {
		t.Fatalf("expected no traffic entries for allowlisted bypass, got %d", p.traffic.Len())
	}
}

func TestUpstreamErrorReturns502(t *testing.T) {
	p := newTestProxy(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("X-Target-URL", "http://127.0.0.1:1/unreachable")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
	if p.traffic.Len() != 1 {
		t.Fatalf("expected a 502 entry recorded, got %d", p.traffic.Len())
	}
}
