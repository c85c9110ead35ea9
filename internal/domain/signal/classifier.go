package signal

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxScanRunes caps how much of a message is scanned.
const DefaultMaxScanRunes = 2000

// Classifier is a deterministic phrase/score engine. A Classifier is
// immutable after construction and safe for concurrent use.
type Classifier struct {
	trie     *ahocorasick.Trie
	patterns []string
	rules    []Rule
	negation map[string]struct{}
	maxRunes int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMaxScanRunes sets the scan limit. Non-positive values are ignored.
func WithMaxScanRunes(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxRunes = n
		}
	}
}

// NewClassifier compiles rules into a matcher.
func NewClassifier(rs []Rule, opts ...Option) (*Classifier, error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("classifier: no rules")
	}

	c := &Classifier{
		negation: make(map[string]struct{}, len(NegationCues)),
		maxRunes: DefaultMaxScanRunes,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, cue := range NegationCues {
		c.negation[normalize(cue)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		p := normalize(r.Phrase)
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("classifier: duplicate phrase %q", r.Phrase)
		}
		seen[p] = struct{}{}
		c.patterns = append(c.patterns, p)
		c.rules = append(c.rules, r)
	}

	c.trie = ahocorasick.NewTrieBuilder().AddStrings(c.patterns).Build()
	return c, nil
}

// MustDefault returns a classifier over DefaultRules.
func MustDefault(opts ...Option) *Classifier {
	c, err := NewClassifier(DefaultRules(), opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify assesses text. It never fails: oversized input is truncated
// and invalid UTF-8 is replaced before matching.
func (c *Classifier) Classify(text string) Signal {
	out := None(text)

	scan, truncated := capRunes(text, c.maxRunes)
	out.Truncated = truncated

	normalized := normalize(scan)
	if normalized == "" {
		return out
	}

	terms := make(map[string]struct{})
	for _, m := range c.trie.MatchString(normalized) {
		idx := int(m.Pattern())
		start := int(m.Pos())
		end := start + len(c.patterns[idx])
		if !wordBoundary(normalized, start, end) {
			continue
		}

		rule := c.rules[idx]
		hit := Match{
			Term:     c.patterns[idx],
			Category: rule.Category,
			Severity: rule.Severity,
		}
		if c.negated(normalized[:start]) {
			hit.Negated = true
			hit.Severity = SeverityLow
		}
		out.Matches = append(out.Matches, hit)
		terms[hit.Term] = struct{}{}

		switch {
		case out.Category == CategoryNone,
			hit.Severity.Rank() > out.Severity.Rank(),
			hit.Severity == out.Severity && hit.Category.Outranks(out.Category):
			out.Category = hit.Category
			out.Severity = hit.Severity
		}
	}

	for t := range terms {
		out.MatchedTerms = append(out.MatchedTerms, t)
	}
	sort.Strings(out.MatchedTerms)
	out.ShowResources = out.IsFlagged() && ShouldShowResources(out.Category, out.Severity)
	return out
}

// negated reports whether a negation cue is among the last NegationWindow
// tokens of prefix.
func (c *Classifier) negated(prefix string) bool {
	tokens := strings.Fields(prefix)
	from := len(tokens) - NegationWindow
	if from < 0 {
		from = 0
	}
	for _, t := range tokens[from:] {
		if _, ok := c.negation[t]; ok {
			return true
		}
	}
	return false
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 && s[start-1] != ' ' {
		return false
	}
	if end < len(s) && s[end] != ' ' {
		return false
	}
	return true
}

// capRunes keeps the first n runes of s. Only the first 4n bytes are
// examined, since no rune is longer than utf8.UTFMax bytes.
func capRunes(s string, n int) (string, bool) {
	clipped := false
	if limit := n * utf8.UTFMax; len(s) > limit {
		for limit > 0 && !utf8.RuneStart(s[limit]) {
			limit--
		}
		s, clipped = s[:limit], true
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if utf8.RuneCountInString(s) <= n {
		return s, clipped
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, clipped
}

// normalize folds case and compatibility forms and reduces text to
// single-space separated tokens of letters, digits and apostrophes.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch r {
		case '‘', '’', 'ʼ', '`', '´':
			r = '\''
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
