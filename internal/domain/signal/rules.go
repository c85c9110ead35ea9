package signal

import (
	"fmt"
)

// Rule is a single phrase the classifier looks for. Phrases are matched
// case-insensitively on whole words after normalisation.
type Rule struct {
	Phrase   string   `json:"phrase" yaml:"phrase"`
	Category Category `json:"category" yaml:"category"`
	Severity Severity `json:"severity" yaml:"severity"`
}

// Validate checks that the rule can be compiled.
func (r Rule) Validate() error {
	if normalize(r.Phrase) == "" {
		return fmt.Errorf("rule phrase %q is empty after normalisation", r.Phrase)
	}
	if !r.Category.IsFlagged() || !r.Category.IsValid() {
		return fmt.Errorf("rule %q: invalid category %q", r.Phrase, r.Category)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %q: invalid severity %q", r.Phrase, r.Severity)
	}
	return nil
}

// NegationCues are the words that, when found shortly before a phrase,
// mark the hit as negated.
var NegationCues = []string{
	"not", "never", "no", "nor",
	"don't", "dont", "doesn't", "doesnt", "didn't", "didnt",
	"won't", "wont", "wouldn't", "wouldnt",
}

// NegationWindow is how many tokens before a phrase are searched for a cue.
const NegationWindow = 3

func rules(c Category, s Severity, phrases ...string) []Rule {
	out := make([]Rule, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, Rule{Phrase: p, Category: c, Severity: s})
	}
	return out
}

// DefaultRules returns the built-in rule set. Phrases containing their own
// negation ("don't want to live") are listed as separate rules so that the
// negation word inside them is never treated as a cue.
func DefaultRules() []Rule {
	var rs []Rule

	rs = append(rs, rules(CategorySelfHarm, SeverityCritical,
		"kill myself", "end my life", "take my own life", "end it all",
		"want to die", "wanna die", "don't want to live", "dont want to live",
		"better off dead", "going to end it", "jump off a bridge",
	)...)
	rs = append(rs, rules(CategorySelfHarm, SeverityHigh,
		"suicide", "suicidal", "hurt myself", "harm myself", "self harm",
		"cutting myself", "cut myself", "overdose", "no reason to live",
		"wish i was dead", "wish i were dead",
	)...)
	rs = append(rs, rules(CategorySelfHarm, SeverityMedium,
		"can't go on", "cant go on", "no way out", "tired of living",
		"disappear forever", "better off without me",
	)...)
	rs = append(rs, rules(CategorySelfHarm, SeverityLow,
		"hate my life", "don't want to be here", "dont want to be here",
	)...)

	rs = append(rs, rules(CategoryAbuse, SeverityCritical,
		"going to kill me", "threatened to kill me", "raped me", "sexually assaulted",
	)...)
	rs = append(rs, rules(CategoryAbuse, SeverityHigh,
		"hits me", "beats me", "abusing me", "abused me", "molested", "touched me",
	)...)
	rs = append(rs, rules(CategoryAbuse, SeverityMedium,
		"hurts me", "threatens me", "scared to go home", "not safe at home",
		"controls me",
	)...)
	rs = append(rs, rules(CategoryAbuse, SeverityLow,
		"yells at me", "bullied", "bullying", "bullies me",
	)...)

	rs = append(rs, rules(CategoryGenericDistress, SeverityHigh,
		"panic attack", "can't cope", "cant cope", "breaking down", "falling apart",
	)...)
	rs = append(rs, rules(CategoryGenericDistress, SeverityMedium,
		"hopeless", "depressed", "overwhelmed", "worthless", "hate myself",
		"nobody cares", "so alone", "can't sleep", "cant sleep",
	)...)
	rs = append(rs, rules(CategoryGenericDistress, SeverityLow,
		"stressed", "failed my exam", "failed the exam", "lonely", "anxious",
		"sad", "upset",
	)...)

	return rs
}
