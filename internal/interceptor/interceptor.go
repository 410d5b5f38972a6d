// Package interceptor orchestrates the PII, injection, and budget
// pipeline stages that the proxy front-end runs against every request
// and response. Grounded in original_source/proxy/interceptor.py for
// the stage ordering and field-population rules, and in the teacher's
// internal/proxy/proxy.go for the style of a small struct that holds
// owning references to its collaborators and exposes two top-level
// entry points.
package interceptor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/extractor"
	"github.com/promptfirewall/promptfirewall/internal/injection"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/pii"
	"github.com/promptfirewall/promptfirewall/internal/policy"
	"github.com/promptfirewall/promptfirewall/internal/tokenizer"
)

// previewLen is the maximum length of TrafficEntry.PromptPreview
// before an ellipsis is appended.
const previewLen = 150

// Interceptor composes the PII detector, injection detector, token
// estimator, and budget ledger against the policy store's current
// rules. Rule updates flow through the policy store (Store.Update);
// the interceptor always reads the live snapshot via Store.Get, so it
// never needs its own swap method.
type Interceptor struct {
	policy *policy.Store
	pii    *pii.Detector
	ledger *budget.Ledger
}

// New builds an Interceptor over the given policy store, PII detector,
// and budget ledger. All three are owned elsewhere and shared across
// concurrent requests; none of their methods hold a lock across a call
// into another of these components.
func New(policyStore *policy.Store, detector *pii.Detector, ledger *budget.Ledger) *Interceptor {
	return &Interceptor{policy: policyStore, pii: detector, ledger: ledger}
}

// ProcessRequest runs the PII, injection, and budget stages against an
// inbound request body, per design doc Sec 4.7. It returns the
// (possibly redacted) body to forward and the TrafficEntry describing
// the verdict. A body that fails to parse as JSON is treated as opaque
// passthrough: the returned entry is unblocked and carries no
// detections.
func (ic *Interceptor) ProcessRequest(body []byte, endpoint string) ([]byte, model.TrafficEntry) {
	entry := model.TrafficEntry{
		ID:          uuid.New().String()[:8],
		Timestamp:   time.Now().UTC(),
		Method:      "POST",
		Endpoint:    endpoint,
		Model:       "unknown",
		Status:      200,
		ThreatLevel: model.ThreatNone,
	}

	if !json.Valid(body) {
		return body, entry
	}

	rules := ic.policy.Get()

	promptText, modelName := extractor.ExtractPrompt(body)
	entry.Model = modelName
	entry.PromptPreview = preview(promptText)

	piiMatches := ic.pii.Detect(promptText, rules.PIIRules)
	currentBody := body

	if len(piiMatches) > 0 {
		entry.PIIDetected = piiMatches
		if pii.ShouldBlock(piiMatches, rules.PIIRules) {
			entry.Blocked = true
			entry.BlockReason = fmt.Sprintf("PII detected: %s", joinPIITypes(piiMatches))
			entry.ThreatLevel = model.ThreatHigh
			return body, entry
		}

		redactedText := ic.pii.Redact(promptText, piiMatches)
		if rewritten, err := extractor.WriteBack(body, redactedText); err == nil {
			currentBody = rewritten
		}
	}

	// Injection stage runs on the ORIGINAL pre-redaction text per
	// design doc Sec 9's open-question resolution: detectors must see
	// text extracted before any redaction, never the mutated body.
	injMatches := injection.Detect(promptText, rules.InjectionRule)
	if len(injMatches) > 0 {
		entry.InjectionDetected = injMatches
		score := injection.ComputeScore(injMatches)
		entry.ThreatLevel = injection.ThreatLevelFor(score)
		if injection.ShouldBlock(injMatches, rules.InjectionRule) {
			entry.Blocked = true
			entry.BlockReason = fmt.Sprintf("Injection detected (score: %.2f): %s", score, injMatches[0].Pattern)
			return currentBody, entry
		}
	}

	tokens := tokenizer.Count(promptText, modelName)
	if ic.ledger != nil {
		if exceeds, reason, err := ic.ledger.ShouldBlock(rules.BudgetRule, modelName, tokens); err == nil && exceeds {
			entry.Blocked = true
			entry.BlockReason = reason
			entry.ThreatLevel = model.ThreatMedium
			return currentBody, entry
		}
	}

	entry.TokensUsed = tokens
	return currentBody, entry
}

// ProcessResponse scans an upstream response for leaked PII, records
// ledger usage, and finalizes entry's cost/threat fields, per design
// doc Sec 4.7. A body that fails to parse as JSON leaves entry
// unchanged.
func (ic *Interceptor) ProcessResponse(body []byte, entry model.TrafficEntry) model.TrafficEntry {
	if !json.Valid(body) {
		return entry
	}

	tokens := entry.TokensUsed
	if fromUsage, ok := extractor.ExtractResponseTokens(body); ok {
		tokens = fromUsage
	}

	if ic.ledger != nil {
		cost := budget.EstimateCost(entry.Model, tokens)
		entry.Cost = cost
		_ = ic.ledger.Record(entry.Model, tokens, &cost)
	}

	rules := ic.policy.Get()
	responseText := extractor.ExtractResponseText(body)
	if responseText != "" {
		matches := ic.pii.Detect(responseText, rules.PIIRules)
		for i := range matches {
			matches[i].Redacted = "[RESP]" + matches[i].Redacted
		}
		if len(matches) > 0 {
			entry.PIIDetected = append(entry.PIIDetected, matches...)
			if entry.ThreatLevel.Less(model.ThreatLow) {
				entry.ThreatLevel = model.ThreatLow
			}
		}
	}

	return entry
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
}

func joinPIITypes(matches []model.PIIMatch) string {
	seen := make(map[model.PIIType]bool)
	var types []string
	for _, m := range matches {
		if seen[m.PIIType] {
			continue
		}
		seen[m.PIIType] = true
		types = append(types, string(m.PIIType))
	}
	return strings.Join(types, ", ")
}
