package signal

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_CriticalSelfHarm(t *testing.T) {
	c := MustDefault()

	s := c.Classify("I want to end my life tonight")

	assert.Equal(t, CategorySelfHarm, s.Category)
	assert.Equal(t, SeverityCritical, s.Severity)
	assert.True(t, s.ShowResources)
	assert.Equal(t, []string{"end my life"}, s.MatchedTerms)
	assert.False(t, s.Truncated)
}

func TestClassify_EverydayStress(t *testing.T) {
	c := MustDefault()

	s := c.Classify("ugh I failed my exam")

	assert.Equal(t, CategoryGenericDistress, s.Category)
	assert.Equal(t, SeverityLow, s.Severity)
	assert.False(t, s.ShowResources)
}

func TestClassify_NoMatch(t *testing.T) {
	c := MustDefault()

	s := c.Classify("see you at the library at 5?")

	assert.Equal(t, CategoryNone, s.Category)
	assert.Equal(t, SeverityLow, s.Severity)
	assert.Empty(t, s.MatchedTerms)
	assert.False(t, s.ShowResources)
	assert.False(t, s.IsFlagged())
}

func TestClassify_Negation(t *testing.T) {
	c := MustDefault()

	plain := c.Classify("I want to die")
	negated := c.Classify("I don't want to die, I just need sleep")

	assert.Equal(t, SeverityCritical, plain.Severity)

	assert.Equal(t, CategorySelfHarm, negated.Category)
	assert.Equal(t, SeverityLow, negated.Severity)
	require.Len(t, negated.Matches, 1)
	assert.True(t, negated.Matches[0].Negated)
	assert.True(t, negated.ShowResources, "self-harm category always shows resources")
}

func TestClassify_EveryNegationCue(t *testing.T) {
	assert.ElementsMatch(t, []string{
		"not", "never", "no", "nor",
		"don't", "dont", "doesn't", "doesnt", "didn't", "didnt",
		"won't", "wont", "wouldn't", "wouldnt",
	}, NegationCues)

	c := MustDefault()
	for _, cue := range NegationCues {
		t.Run(cue, func(t *testing.T) {
			s := c.Classify("she " + cue + " want to die")

			require.Len(t, s.Matches, 1)
			assert.True(t, s.Matches[0].Negated)
			assert.Equal(t, SeverityLow, s.Severity)
		})
	}
}

func TestClassify_NegationOutsideWindow(t *testing.T) {
	c := MustDefault()

	s := c.Classify("no idea why but honestly I want to die")

	assert.Equal(t, SeverityCritical, s.Severity)
}

func TestClassify_PhraseContainingNegation(t *testing.T) {
	c := MustDefault()

	s := c.Classify("I DON’T WANT TO LIVE anymore")

	assert.Equal(t, CategorySelfHarm, s.Category)
	assert.Equal(t, SeverityCritical, s.Severity)
	assert.Equal(t, []string{"don't want to live"}, s.MatchedTerms)
}

func TestClassify_TieBreakPrefersSelfHarm(t *testing.T) {
	c := MustDefault()

	for _, text := range []string{
		"he hits me and I keep thinking about suicide",
		"I keep thinking about suicide because he hits me",
	} {
		s := c.Classify(text)
		assert.Equal(t, CategorySelfHarm, s.Category, text)
		assert.Equal(t, SeverityHigh, s.Severity, text)
		assert.Equal(t, []string{"hits me", "suicide"}, s.MatchedTerms, text)
	}
}

func TestClassify_HighestSeverityWins(t *testing.T) {
	c := MustDefault()

	s := c.Classify("so stressed, having a panic attack")

	assert.Equal(t, CategoryGenericDistress, s.Category)
	assert.Equal(t, SeverityHigh, s.Severity)
	assert.True(t, s.ShowResources)
}

func TestClassify_WholeWordsOnly(t *testing.T) {
	c := MustDefault()

	s := c.Classify("the sadness of autumn is upsetting")

	assert.Equal(t, CategoryNone, s.Category)
	assert.Empty(t, s.MatchedTerms)
}

func TestClassify_MatchedTermsAreASet(t *testing.T) {
	c := MustDefault()

	s := c.Classify("sad. sad. so sad")

	assert.Equal(t, []string{"sad"}, s.MatchedTerms)
	assert.Len(t, s.Matches, 3)
}

func TestClassify_TruncatesLongInput(t *testing.T) {
	c := MustDefault(WithMaxScanRunes(10))

	s := c.Classify("hello there, I want to die")

	assert.True(t, s.Truncated)
	assert.Equal(t, CategoryNone, s.Category)
}

func TestClassify_HugeInputStillClassifiesPrefix(t *testing.T) {
	c := MustDefault()

	text := "I want to die " + strings.Repeat("a", 1<<20)
	s := c.Classify(text)

	assert.True(t, s.Truncated)
	assert.Equal(t, SeverityCritical, s.Severity)
}

func TestCapRunes(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		n         int
		want      string
		truncated bool
	}{
		{"short", "héllo", 10, "héllo", false},
		{"exact", "héllo", 5, "héllo", false},
		{"two byte runes", strings.Repeat("é", 10), 4, "éééé", true},
		{"window ends on rune start", strings.Repeat("😀", 3), 2, "😀😀", true},
		{"window ends inside rune", "a" + strings.Repeat("😀", 3), 2, "a😀", true},
		{"invalid bytes inside window", "ab\xffcd", 3, "ab\uFFFD", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := capRunes(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}

func TestCapRunes_OnlyReadsWindow(t *testing.T) {
	const n = 200
	in := strings.Repeat("x", 100) + strings.Repeat("\xff", 1<<20)

	got, truncated := capRunes(in, n)

	assert.True(t, truncated)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), n*utf8.UTFMax)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", 100)))
}

func TestClassify_InvalidUTF8(t *testing.T) {
	c := MustDefault()

	s := c.Classify("want to die\xff\xfe")

	assert.Equal(t, SeverityCritical, s.Severity)
}

func TestClassify_Deterministic(t *testing.T) {
	c := MustDefault()
	text := "I'm overwhelmed and hopeless, my dad yells at me"

	assert.Equal(t, c.Classify(text), c.Classify(text))
}

func TestNewClassifier_RejectsBadRules(t *testing.T) {
	_, err := NewClassifier(nil)
	assert.Error(t, err)

	_, err = NewClassifier([]Rule{
		{Phrase: "Want to die", Category: CategorySelfHarm, Severity: SeverityCritical},
		{Phrase: "want  to DIE", Category: CategorySelfHarm, Severity: SeverityHigh},
	})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewClassifier([]Rule{{Phrase: "sad", Category: CategoryNone, Severity: SeverityLow}})
	assert.Error(t, err)

	_, err = NewClassifier([]Rule{{Phrase: "!!!", Category: CategoryAbuse, Severity: SeverityLow}})
	assert.Error(t, err)
}

func TestNewClassifier_CustomRules(t *testing.T) {
	c, err := NewClassifier([]Rule{
		{Phrase: "exam anxiety", Category: CategoryGenericDistress, Severity: SeverityMedium},
	})
	require.NoError(t, err)

	s := c.Classify("Exam-anxiety again")

	assert.Equal(t, CategoryGenericDistress, s.Category)
	assert.Equal(t, SeverityMedium, s.Severity)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "i don't know", normalize("  I DON’T   know!!! "))
	assert.Equal(t, "self harm", normalize("self-harm"))
	assert.Equal(t, "", normalize("?!"))
}
