package nucleus

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenEstimator approximates the token cost of a prompt. Swap in a real
// tokenizer by implementing this interface.
type TokenEstimator interface {
	Estimate(text string) int
}

// TokenEstimatorFunc adapts a function to TokenEstimator.
type TokenEstimatorFunc func(text string) int

// Estimate implements TokenEstimator.
func (f TokenEstimatorFunc) Estimate(text string) int { return f(text) }

const (
	proseCharsPerToken  = 4.0
	codeCharsPerToken   = 3.0
	symbolCharsPerToken = 2.5
	longTextRunes       = 8000
	longTextPadding     = 0.10
)

// HeuristicEstimator uses a chars-per-token ratio that drops for code-like
// and symbol-dense text, plus padding for very long text.
type HeuristicEstimator struct{}

// Estimate implements TokenEstimator.
func (HeuristicEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}

	symbols := 0
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			symbols++
		}
	}

	density := float64(symbols) / float64(n)

	ratio := proseCharsPerToken

	switch {
	case density >= 0.25:
		ratio = symbolCharsPerToken
	case density >= 0.10 || looksLikeCode(text):
		ratio = codeCharsPerToken
	}

	tokens := int(math.Ceil(float64(n) / ratio))
	if n > longTextRunes {
		tokens += int(math.Ceil(float64(tokens) * longTextPadding))
	}

	return tokens
}

var codeMarkers = []string{"func ", "=>", "{\n", "};", "def ", "#include", "</", "\":"}

func looksLikeCode(text string) bool {
	for _, m := range codeMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
