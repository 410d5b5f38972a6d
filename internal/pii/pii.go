// Package pii implements PII detection and redaction.
//
// Built-in patterns are compiled once at package init. Custom patterns
// are held in a per-Detector registry (never a package-level
// singleton — see design doc Sec 9) so that multiple Detector
// instances (e.g. in tests) never interfere with each other.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

type builtinPattern struct {
	piiType model.PIIType
	re      *regexp.Regexp
	label   string
}

// builtinPatterns mirrors original_source/proxy/detectors/pii.py's
// PII_PATTERNS + REDACTION_LABELS, in built-in-first declaration
// order.
var builtinPatterns = []builtinPattern{
	{
		piiType: model.PIIEmail,
		re:      regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		label:   "[EMAIL_REDACTED]",
	},
	{
		piiType: model.PIIPhone,
		// Requires the 3-3-4 grouping (area code followed by a
		// separator) so a bare 7-digit run never matches — see
		// testable property 2.
		re:    regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}`),
		label: "[PHONE_REDACTED]",
	},
	{
		piiType: model.PIISSN,
		re:      regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
		label:   "[SSN_REDACTED]",
	},
	{
		piiType: model.PIICreditCard,
		re:      regexp.MustCompile(`(?:\d{4}[-\s]?){3}\d{4}`),
		label:   "[CC_REDACTED]",
	},
	{
		piiType: model.PIIIPAddress,
		re:      regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`),
		label:   "[IP_REDACTED]",
	},
}

// customPattern is one process-registered custom detector.
type customPattern struct {
	name  string
	re    *regexp.Regexp
	label string
}

// Detector scans text for PII using the built-in patterns plus any
// custom patterns registered on it.
type Detector struct {
	mu     sync.RWMutex
	custom []customPattern
}

// New returns a Detector with an empty custom-pattern registry.
func New() *Detector {
	return &Detector{}
}

// AddCustomPattern registers a custom regex pattern. Returns false
// (without registering anything) if the pattern fails to compile.
// Re-registering an existing name replaces it.
func (d *Detector) AddCustomPattern(name, pattern, label string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	if label == "" {
		label = fmt.Sprintf("[%s_REDACTED]", strings.ToUpper(name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.custom {
		if c.name == name {
			d.custom[i] = customPattern{name: name, re: re, label: label}
			return true
		}
	}
	d.custom = append(d.custom, customPattern{name: name, re: re, label: label})
	return true
}

// RemoveCustomPattern removes a custom pattern by name. Returns false
// if no pattern with that name was registered.
func (d *Detector) RemoveCustomPattern(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.custom {
		if c.name == name {
			d.custom = append(d.custom[:i], d.custom[i+1:]...)
			return true
		}
	}
	return false
}

// CustomPatternInfo is a serializable view of one registered custom
// pattern, for the admin surface.
type CustomPatternInfo struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Label   string `json:"label"`
}

// ListCustomPatterns returns the currently registered custom patterns.
func (d *Detector) ListCustomPatterns() []CustomPatternInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]CustomPatternInfo, 0, len(d.custom))
	for _, c := range d.custom {
		out = append(out, CustomPatternInfo{Name: c.name, Pattern: c.re.String(), Label: c.label})
	}
	return out
}

// Detect scans text against every enabled built-in rule, then every
// registered custom pattern unconditionally (custom patterns are
// always active once registered — they are not gated by a rule).
// Returned matches are in built-in-first, then insertion, order.
func (d *Detector) Detect(text string, rules []model.PIIRule) []model.PIIMatch {
	enabled := make(map[model.PIIType]bool, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled[r.PIIType] = true
		}
	}

	var matches []model.PIIMatch
	for _, p := range builtinPatterns {
		if !enabled[p.piiType] {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, model.PIIMatch{
				PIIType:  p.piiType,
				Value:    text[loc[0]:loc[1]],
				Redacted: p.label,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}

	d.mu.RLock()
	custom := append([]customPattern(nil), d.custom...)
	d.mu.RUnlock()

	for _, c := range custom {
		for _, loc := range c.re.FindAllStringIndex(text, -1) {
			matches = append(matches, model.PIIMatch{
				PIIType:  model.PIICustom,
				Value:    text[loc[0]:loc[1]],
				Redacted: c.label,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}

	return matches
}

// Redact substitutes every match span with its redaction label,
// processing matches in descending start order so earlier indices
// stay valid as the string shrinks or grows.
func (d *Detector) Redact(text string, matches []model.PIIMatch) string {
	return Redact(text, matches)
}

// Redact is the standalone form of (*Detector).Redact, usable without
// a Detector instance when the caller already has matches in hand
// (e.g. re-redacting a response body).
func Redact(text string, matches []model.PIIMatch) string {
	ordered := append([]model.PIIMatch(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	result := text
	for _, m := range ordered {
		if m.Start < 0 || m.End > len(result) || m.Start > m.End {
			continue
		}
		result = result[:m.Start] + m.Redacted + result[m.End:]
	}
	return result
}

// ShouldBlock reports whether any matched PII type carries a Block
// action in rules.
func ShouldBlock(matches []model.PIIMatch, rules []model.PIIRule) bool {
	blockTypes := make(map[model.PIIType]bool, len(rules))
	for _, r := range rules {
		if r.Action == model.ActionBlock {
			blockTypes[r.PIIType] = true
		}
	}
	for _, m := range matches {
		if blockTypes[m.PIIType] {
			return true
		}
	}
	return false
}
