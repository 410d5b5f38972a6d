// Package injection implements prompt-injection / jailbreak scoring
// via a frozen table of weighted regex patterns, grounded in
// original_source/proxy/detectors/injection.py.
package injection

import (
	"regexp"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

type weightedPattern struct {
	re       *regexp.Regexp
	score    float64
	label    string
	severity model.ThreatLevel
}

// patterns is the frozen table of injection signatures. Order matches
// the original source so that "first pattern label" in a block reason
// (design doc Sec 4.7 step 6) is reproducible.
var patterns = []weightedPattern{
	{
		re:    regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directives?)`),
		score: 0.9, label: "Direct instruction override", severity: model.ThreatCritical,
	},
	{
		re:    regexp.MustCompile(`(?i)(show|reveal|display|print|output|repeat|tell\s+me)\s+(your\s+)?(system\s+prompt|initial\s+prompt|instructions?|hidden\s+prompt)`),
		score: 0.85, label: "System prompt extraction", severity: model.ThreatHigh,
	},
	{
		re:    regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`),
		score: 0.6, label: "Role manipulation attempt", severity: model.ThreatMedium,
	},
	{
		re:    regexp.MustCompile(`(?i)(DAN|Do\s+Anything\s+Now|JAILBREAK|jailbroken?\s+mode)`),
		score: 0.95, label: "DAN/Jailbreak keyword", severity: model.ThreatCritical,
	},
	{
		re:    regexp.MustCompile("(?i)(```|---)\\s*(system|assistant|user)\\s*(```|---)"),
		score: 0.7, label: "Prompt format manipulation", severity: model.ThreatHigh,
	},
	{
		re:    regexp.MustCompile(`(?i)(base64|rot13|hex|encode|decode|eval)\s*(:|this|the|following)`),
		score: 0.65, label: "Encoding-based evasion", severity: model.ThreatMedium,
	},
	{
		re:    regexp.MustCompile(`(?i)<\|?(system|endoftext|im_start|im_end)\|?>`),
		score: 0.9, label: "Token boundary injection", severity: model.ThreatCritical,
	},
	{
		re:    regexp.MustCompile(`(?i)(pretend|act\s+as\s+if|assume|imagine)\s+(you\s+)?(have\s+no|don.?t\s+have|without)\s+(restrictions?|limitations?|filters?|rules?|guardrails?)`),
		score: 0.8, label: "Restriction bypass attempt", severity: model.ThreatHigh,
	},
	{
		re:    regexp.MustCompile(`(?i)(in\s+the\s+previous|earlier\s+in\s+this|as\s+we\s+discussed)\s+(conversation|chat|message)`),
		score: 0.4, label: "Context manipulation", severity: model.ThreatLow,
	},
	{
		re:    regexp.MustCompile(`(?i)!\[.*?\]\(https?://.*?\)`),
		score: 0.5, label: "Markdown image injection", severity: model.ThreatMedium,
	},
	{
		re:    regexp.MustCompile(`[\x{200b}\x{200c}\x{200d}\x{2060}\x{feff}]`),
		score: 0.7, label: "Unicode obfuscation detected", severity: model.ThreatHigh,
	},
}

// Detect scans text against the pattern table and returns one match
// per matching pattern (presence, not occurrence count).
func Detect(text string, rule model.InjectionRule) []model.InjectionMatch {
	if !rule.Enabled {
		return nil
	}
	var matches []model.InjectionMatch
	for _, p := range patterns {
		if p.re.MatchString(text) {
			matches = append(matches, model.InjectionMatch{
				Pattern:  p.label,
				Score:    p.score,
				Severity: p.severity,
			})
		}
	}
	return matches
}

// ComputeScore aggregates matches into a single score in [0,1]: the
// maximum individual score, boosted by a small diversity bonus
// proportional to the number of distinct matching patterns.
func ComputeScore(matches []model.InjectionMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	max := 0.0
	for _, m := range matches {
		if m.Score > max {
			max = m.Score
		}
	}
	bonus := 0.02 * float64(len(matches))
	if bonus > 0.1 {
		bonus = 0.1
	}
	score := max + bonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ThreatLevelFor maps a numeric score to a ThreatLevel.
func ThreatLevelFor(score float64) model.ThreatLevel {
	switch {
	case score >= 0.8:
		return model.ThreatCritical
	case score >= 0.6:
		return model.ThreatHigh
	case score >= 0.4:
		return model.ThreatMedium
	case score > 0.0:
		return model.ThreatLow
	default:
		return model.ThreatNone
	}
}

// ShouldBlock reports whether matches should cause the request to be
// blocked under rule.
func ShouldBlock(matches []model.InjectionMatch, rule model.InjectionRule) bool {
	if !rule.Enabled || rule.Action != model.ActionBlock {
		return false
	}
	return ComputeScore(matches) >= rule.Threshold
}
