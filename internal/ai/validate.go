package ai

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxEmbedChars is the longest input sent to an embedding call.
const MaxEmbedChars = 8000

// Truncate cuts text to at most n runes.
func Truncate(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	r := []rune(text)
	return string(r[:n])
}

// ValidateEmbedding checks that vec has exactly dim finite components.
func ValidateEmbedding(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("embedding has dimension %d, want %d", len(vec), dim)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding component %d is not finite", i)
		}
	}
	return nil
}
