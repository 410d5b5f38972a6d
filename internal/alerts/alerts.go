// Package alerts fans security events out to registered webhook
// subscribers. Grounded in original_source/proxy/alerts.py for the
// domain shape; dispatch follows the teacher's internal/dashboard's
// channel-fed worker pattern (see websocket.go's wsHub) rather than
// spawning one unbounded goroutine per fire call.
package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

// MaxHistory bounds the in-memory alert record ring buffer.
const MaxHistory = 100

// webhookTimeout is the total per-call POST timeout, independent of
// the inbound request's own cancellation.
const webhookTimeout = 10 * time.Second

// dispatchQueueSize bounds the number of pending webhook deliveries;
// once the queue is full, Fire drops further deliveries with a warning
// instead of blocking the caller. Sized generously since a single
// Fire call can enqueue one job per matching webhook.
const dispatchQueueSize = 256

// dispatchWorkers is the size of the bounded worker pool draining the
// delivery queue, mirroring the teacher's single-hub-goroutine style
// scaled out to a small fixed pool since webhook POSTs block on I/O.
const dispatchWorkers = 4

type delivery struct {
	webhook model.WebhookConfig
	body    []byte
}

// Dispatcher owns the registered webhooks and the bounded alert
// history, and drives a fixed worker pool that performs the actual
// HTTP POSTs off the request path.
type Dispatcher struct {
	mu       sync.Mutex
	webhooks map[string]model.WebhookConfig
	history  []model.AlertPayload

	queue  chan delivery
	client *http.Client
}

// New starts a Dispatcher with its worker pool running.
func New() *Dispatcher {
	d := &Dispatcher{
		webhooks: make(map[string]model.WebhookConfig),
		queue:    make(chan delivery, dispatchQueueSize),
		client:   &http.Client{Timeout: webhookTimeout},
	}
	for i := 0; i < dispatchWorkers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	req, err := http.NewRequest(http.MethodPost, job.webhook.URL, bytes.NewReader(job.body))
	if err != nil {
		slog.Warn("alert webhook request build failed", "webhook", job.webhook.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if job.webhook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(job.webhook.Secret))
		mac.Write(job.body)
		req.Header.Set("X-PF-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("alert webhook delivery failed", "webhook", job.webhook.Name, "url", job.webhook.URL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("alert webhook returned error status", "webhook", job.webhook.Name, "status", resp.StatusCode)
	}
}

// Add registers a webhook. events defaults to all alert events when
// nil; name defaults to "default" when empty. Re-adding an existing
// name overwrites its configuration.
func (d *Dispatcher) Add(url, name string, events []model.AlertEvent, secret string) model.WebhookConfig {
	if name == "" {
		name = "default"
	}
	if events == nil {
		events = model.AllAlertEvents()
	}
	wh := model.WebhookConfig{Name: name, URL: url, Events: events, Enabled: true, Secret: secret}

	d.mu.Lock()
	d.webhooks[name] = wh
	d.mu.Unlock()
	return wh
}

// Remove deletes a webhook by name, reporting whether it existed.
func (d *Dispatcher) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.webhooks[name]; !ok {
		return false
	}
	delete(d.webhooks, name)
	return true
}

// List returns all registered webhooks.
func (d *Dispatcher) List() []model.WebhookConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.WebhookConfig, 0, len(d.webhooks))
	for _, wh := range d.webhooks {
		out = append(out, wh)
	}
	return out
}

// History returns the most recent n alert records, newest first. If n
// <= 0 or exceeds the recorded count, the full history is returned.
func (d *Dispatcher) History(n int) []model.AlertPayload {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]model.AlertPayload, n)
	// history is stored oldest-first; return newest-first.
	for i := 0; i < n; i++ {
		out[i] = d.history[len(d.history)-1-i]
	}
	return out
}

// Fire records the event in history and enqueues concurrent,
// independent POST deliveries to every enabled webhook subscribed to
// event. It never blocks on network I/O and never returns an error:
// delivery failures are logged at warning level by the worker pool,
// per design doc Sec 7.
func (d *Dispatcher) Fire(event model.AlertEvent, summary string, details map[string]any, severity string) {
	payload := model.AlertPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Summary:   summary,
		Details:   details,
		Severity:  severity,
		Source:    "prompt-firewall",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("alert payload marshal failed", "event", event, "error", err)
		return
	}

	d.mu.Lock()
	d.history = append(d.history, payload)
	if len(d.history) > MaxHistory {
		d.history = d.history[len(d.history)-MaxHistory:]
	}
	var targets []model.WebhookConfig
	for _, wh := range d.webhooks {
		if !wh.Enabled {
			continue
		}
		if subscribesTo(wh, event) {
			targets = append(targets, wh)
		}
	}
	d.mu.Unlock()

	for _, wh := range targets {
		job := delivery{webhook: wh, body: body}
		select {
		case d.queue <- job:
		default:
			slog.Warn("alert dispatch queue full, dropping delivery", "webhook", wh.Name, "event", event)
		}
	}
}

func subscribesTo(wh model.WebhookConfig, event model.AlertEvent) bool {
	for _, e := range wh.Events {
		if e == event {
			return true
		}
	}
	return false
}

// VerifySignature recomputes the HMAC-SHA256 signature for body under
// secret and reports whether it matches sig (hex-encoded). Provided
// for webhook receivers under test; not used by the dispatcher itself.
func VerifySignature(secret string, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// String implements a readable representation for logging.
func (d *Dispatcher) String() string {
	return fmt.Sprintf("alerts.Dispatcher{webhooks=%d}", len(d.webhooks))
}
