// Package provider identifies which LLM provider a proxied request is
// headed to, from the target URL's hostname. Grounded in
// original_source/proxy/providers.py; the closed hostname-to-provider
// mapping follows the teacher's internal/proxy/router.go style of
// deterministic, table-driven detection rather than guessing from
// headers or body shape.
package provider

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Provider is the closed set of LLM providers this proxy recognizes.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Google    Provider = "google"
	Ollama    Provider = "ollama"
	Azure     Provider = "azure_openai"
	Mistral   Provider = "mistral"
	Cohere    Provider = "cohere"
	DeepSeek  Provider = "deepseek"
	Unknown   Provider = "unknown"
)

// displayNames mirrors providers.py::get_provider_display_name.
var displayNames = map[Provider]string{
	OpenAI:    "OpenAI",
	Anthropic: "Anthropic",
	Google:    "Google",
	Ollama:    "Ollama (local)",
	Azure:     "Azure OpenAI",
	Mistral:   "Mistral",
	Cohere:    "Cohere",
	DeepSeek:  "DeepSeek",
	Unknown:   "Unknown",
}

// DisplayName returns a human-readable label for p.
func DisplayName(p Provider) string {
	if name, ok := displayNames[p]; ok {
		return name
	}
	return "Unknown"
}

// hostPattern pairs a hostname substring with the provider it implies.
// Order matters: openrouter.ai is checked before the generic fallbacks
// so it resolves to OpenAI (it exposes an OpenAI-compatible API), and
// Azure's ".openai.azure.com" is checked before any plain "openai.com"
// style pattern would be.
type hostPattern struct {
	substr   string
	provider Provider
}

var hostPatterns = []hostPattern{
	{"openai.azure.com", Azure},
	{"api.openai.com", OpenAI},
	{"openrouter.ai", OpenAI},
	{"api.anthropic.com", Anthropic},
	{"generativelanguage.googleapis.com", Google},
	{"aiplatform.googleapis.com", Google},
	{"api.mistral.ai", Mistral},
	{"api.cohere.ai", Cohere},
	{"api.deepseek.com", DeepSeek},
	{"localhost:11434", Ollama},
	{"127.0.0.1:11434", Ollama},
}

// chatPathMarkers are API path substrings that identify a chat/completion
// endpoint, used to set Info.IsChat.
var chatPathMarkers = []string{
	"/chat/completions",
	"/v1/messages",
	"/generateContent",
	"/api/chat",
}

// Info describes what was detected about a proxied request's
// destination: which provider it targets, which model it names, and
// whether the request looks like a chat/completion call.
type Info struct {
	Provider    Provider `json:"provider"`
	Model       string   `json:"model"`
	BaseURL     string   `json:"base_url"`
	IsChat      bool     `json:"is_chat"`
	IsStreaming bool     `json:"is_streaming"`
}

// Detect determines the provider, model, and endpoint shape for a
// proxied request from its target URL and JSON body. Detection never
// fails: unrecognized hosts resolve to Unknown rather than an error.
func Detect(targetURL string, body []byte) Info {
	u, _ := url.Parse(targetURL)
	host := ""
	path := ""
	if u != nil {
		host = strings.ToLower(u.Host)
		path = u.Path
	}

	p := detectFromHost(host)
	model := extractModel(body, p)

	return Info{
		Provider:    p,
		Model:       model,
		BaseURL:     baseURL(u),
		IsChat:      isChatEndpoint(path),
		IsStreaming: isStreaming(body),
	}
}

func detectFromHost(host string) Provider {
	for _, hp := range hostPatterns {
		if strings.Contains(host, hp.substr) {
			return hp.provider
		}
	}
	return Unknown
}

func baseURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isChatEndpoint(path string) bool {
	for _, marker := range chatPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// extractModel pulls the "model" field from the request body, falling
// back to a per-provider default the way providers.py does for
// Anthropic requests that omit the field.
func extractModel(body []byte, p Provider) string {
	var parsed struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	if parsed.Model != "" {
		return parsed.Model
	}
	if p == Anthropic {
		return "claude-3-sonnet"
	}
	return "unknown"
}

func isStreaming(body []byte) bool {
	var parsed struct {
		Stream bool `json:"stream"`
	}
	if len(body) == 0 {
		return false
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed.Stream
}
