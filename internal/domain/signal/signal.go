// Package signal contains the crisis signal model and the deterministic
// rule engine that classifies free text into a Signal.
//
// The classifier is a pure function of its rule set: it never touches a
// risk profile and is safe to call speculatively, for example to show
// support resources before a message is sent.
package signal

import (
	"fmt"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATEGORY
// ══════════════════════════════════════════════════════════════════════════════

// Category is the kind of risk a message indicates.
type Category string

const (
	CategoryNone            Category = "none"
	CategorySelfHarm        Category = "self-harm"
	CategoryAbuse           Category = "abuse"
	CategoryGenericDistress Category = "generic-distress"
)

// categoryPriority breaks severity ties; higher wins.
var categoryPriority = map[Category]int{
	CategoryNone:            0,
	CategoryGenericDistress: 1,
	CategoryAbuse:           2,
	CategorySelfHarm:        3,
}

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	_, ok := categoryPriority[c]
	return ok
}

// IsFlagged reports whether the category indicates any risk.
func (c Category) IsFlagged() bool {
	return c != CategoryNone && c != ""
}

// Outranks reports whether c wins a severity tie against other.
func (c Category) Outranks(other Category) bool {
	return categoryPriority[c] > categoryPriority[other]
}

// String returns the string representation.
func (c Category) String() string {
	return string(c)
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SEVERITY
// ══════════════════════════════════════════════════════════════════════════════

// Severity is how strongly a message indicates its category.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal of the severity (low=0 .. critical=3).
func (s Severity) Rank() int {
	return severityRank[s]
}

// IsValid reports whether s is one of the known severities.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// String returns the string representation.
func (s Severity) String() string {
	return string(s)
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !v.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return v, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SIGNAL
// ══════════════════════════════════════════════════════════════════════════════

// Match is a single rule hit inside a classified text.
type Match struct {
	Term     string   `json:"term"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Negated  bool     `json:"negated,omitempty"`
}

// Signal is the result of classifying one message. It is produced once
// and consumed once; nothing in it refers back to stored state.
type Signal struct {
	Text          string   `json:"-"`
	Category      Category `json:"category"`
	Severity      Severity `json:"severity"`
	MatchedTerms  []string `json:"matched_terms"`
	ShowResources bool     `json:"show_resources"`

	// Truncated is set when the input exceeded the scan limit and only
	// its prefix was classified.
	Truncated bool    `json:"truncated,omitempty"`
	Matches   []Match `json:"matches,omitempty"`
}

// IsFlagged reports whether the signal should advance a risk profile.
func (s Signal) IsFlagged() bool {
	return s.Category.IsFlagged()
}

// None returns an unflagged signal for text.
func None(text string) Signal {
	return Signal{
		Text:         text,
		Category:     CategoryNone,
		Severity:     SeverityLow,
		MatchedTerms: []string{},
	}
}

// ShouldShowResources applies the support resources rule.
func ShouldShowResources(c Category, s Severity) bool {
	return s.Rank() >= SeverityHigh.Rank() || c == CategorySelfHarm
}
