// Package extractor implements the format probes the interceptor uses
// to pull prompt/response text out of provider-shaped JSON bodies and,
// for redaction, write modified text back in. Adapted from the
// teacher's internal/extractor package: tool-call parsing for
// Anthropic/OpenAI response shapes is replaced with the prompt- and
// response-text probes original_source/proxy/interceptor.py names
// _extract_prompt/_extract_response_text, but the defensive
// "unmarshal into a tolerant struct, treat failure as no match"
// style carries over unchanged.
package extractor

import (
	"encoding/json"
	"strings"
)

// requestBody is a tolerant view over the request shapes the prompt
// probe recognizes: chat-style messages, a flat "prompt" field (legacy
// completion APIs), or a flat "input" field (some embedding/Responses
// APIs).
type requestBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Prompt string `json:"prompt"`
	Input  string `json:"input"`
}

// ExtractPrompt pulls the prompt text and model name out of a request
// body, per design doc Sec 4.7 step 3. The probe tries, in order:
// (a) messages[*] with role=="user", content strings joined with a
// space; (b) a flat "prompt" field; (c) a flat "input" field; (d) the
// raw JSON text. Model falls back to "unknown" when absent.
func ExtractPrompt(body []byte) (text string, model string) {
	var rb requestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return string(body), "unknown"
	}

	model = rb.Model
	if model == "" {
		model = "unknown"
	}

	var userParts []string
	for _, m := range rb.Messages {
		if m.Role != "user" {
			continue
		}
		if s := contentString(m.Content); s != "" {
			userParts = append(userParts, s)
		}
	}
	if len(userParts) > 0 {
		return strings.Join(userParts, " "), model
	}
	if rb.Prompt != "" {
		return rb.Prompt, model
	}
	if rb.Input != "" {
		return rb.Input, model
	}
	return string(body), model
}

// contentString handles both the plain-string and content-block-array
// shapes a message's "content" field can take across providers.
func contentString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

// WriteBack re-encodes body with newText substituted into whichever
// field ExtractPrompt actually read from, the inverse of the
// extraction probe. Used after PII redaction to write the redacted
// text back onto the wire body (design doc Sec 4.7 step 5).
func WriteBack(body []byte, newText string) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return body, err
	}

	if rawMessages, ok := generic["messages"]; ok {
		var messages []map[string]json.RawMessage
		if err := json.Unmarshal(rawMessages, &messages); err == nil {
			if writeBackUserMessages(messages, newText) {
				encoded, err := json.Marshal(messages)
				if err != nil {
					return body, err
				}
				generic["messages"] = encoded
				return json.Marshal(generic)
			}
		}
	}

	if _, ok := generic["prompt"]; ok {
		encoded, err := json.Marshal(newText)
		if err != nil {
			return body, err
		}
		generic["prompt"] = encoded
		return json.Marshal(generic)
	}

	if _, ok := generic["input"]; ok {
		encoded, err := json.Marshal(newText)
		if err != nil {
			return body, err
		}
		generic["input"] = encoded
		return json.Marshal(generic)
	}

	return body, nil
}

// writeBackUserMessages overwrites the content of every role=="user"
// message with newText, as a plain string, mirroring
// original_source/proxy/interceptor.py's _replace_prompt: ExtractPrompt
// joins every user message into one string, so redaction has to write
// back to all of them, not just the last, or PII in an earlier turn
// reaches the wire unredacted. Reports whether any user message was
// found and rewritten.
func writeBackUserMessages(messages []map[string]json.RawMessage, newText string) bool {
	encoded, err := json.Marshal(newText)
	if err != nil {
		return false
	}
	found := false
	for i := range messages {
		var role string
		if err := json.Unmarshal(messages[i]["role"], &role); err != nil || role != "user" {
			continue
		}
		messages[i]["content"] = encoded
		found = true
	}
	return found
}

// responseBody is a tolerant view over the response shapes the
// response probe recognizes.
type responseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Response string `json:"response"`
	Usage    struct {
		TotalTokens *int `json:"total_tokens"`
	} `json:"usage"`
}

// ExtractResponseText pulls assistant-visible text out of a response
// body per design doc Sec 4.7 step 4: OpenAI-style
// choices[*].message.content joined, else a flat "response" field,
// else empty.
func ExtractResponseText(body []byte) string {
	var rb responseBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return ""
	}
	if len(rb.Choices) > 0 {
		var parts []string
		for _, c := range rb.Choices {
			if c.Message.Content != "" {
				parts = append(parts, c.Message.Content)
			}
		}
		return strings.Join(parts, " ")
	}
	return rb.Response
}

// ExtractResponseTokens reads usage.total_tokens from a response body.
// The second return reports whether the field was present.
func ExtractResponseTokens(body []byte) (int, bool) {
	var rb responseBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return 0, false
	}
	if rb.Usage.TotalTokens != nil {
		return *rb.Usage.TotalTokens, true
	}
	return 0, false
}
