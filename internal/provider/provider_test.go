package provider

import "testing"

func TestDetectOpenAI(t *testing.T) {
	info := Detect("https://api.openai.com/v1/chat/completions", []byte(`{"model":"gpt-4o"}`))
	if info.Provider != OpenAI {
		t.Fatalf("got %v, want openai", info.Provider)
	}
	if !info.IsChat {
		t.Fatal("expected chat endpoint")
	}
}

func TestDetectAnthropic(t *testing.T) {
	info := Detect("https://api.anthropic.com/v1/messages", []byte(`{}`))
	if info.Provider != Anthropic {
		t.Fatalf("got %v, want anthropic", info.Provider)
	}
	if info.Model != "claude-3-sonnet" {
		t.Fatalf("expected anthropic default model fallback, got %q", info.Model)
	}
}

func TestDetectOllama(t *testing.T) {
	info := Detect("http://localhost:11434/api/chat", []byte(`{"model":"llama3"}`))
	if info.Provider != Ollama {
		t.Fatalf("got %v, want ollama", info.Provider)
	}
}

func TestDetectGoogle(t *testing.T) {
	info := Detect("https://generativelanguage.googleapis.com/v1/models/gemini-pro:generateContent", nil)
	if info.Provider != Google {
		t.Fatalf("got %v, want google", info.Provider)
	}
}

func TestDetectAzure(t *testing.T) {
	info := Detect("https://myorg.openai.azure.com/openai/deployments/gpt-4/chat/completions", nil)
	if info.Provider != Azure {
		t.Fatalf("got %v, want azure_openai", info.Provider)
	}
}

func TestDetectDeepSeek(t *testing.T) {
	info := Detect("https://api.deepseek.com/v1/chat/completions", []byte(`{"model":"deepseek-chat"}`))
	if info.Provider != DeepSeek {
		t.Fatalf("got %v, want deepseek", info.Provider)
	}
}

func TestDetectUnknownHost(t *testing.T) {
	info := Detect("https://example.com/v1/chat/completions", nil)
	if info.Provider != Unknown {
		t.Fatalf("got %v, want unknown", info.Provider)
	}
}

func TestModelExtraction(t *testing.T) {
	info := Detect("https://api.openai.com/v1/chat/completions", []byte(`{"model":"gpt-4o-mini"}`))
	if info.Model != "gpt-4o-mini" {
		t.Fatalf("got %q, want gpt-4o-mini", info.Model)
	}
}
