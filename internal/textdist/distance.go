// Package textdist computes the edit distance used to rank submissions
// against the canonical text. The result must be bit-identical across
// re-execution by any verifier, so the implementation is pure, bounded, and
// integer-only.
package textdist

import (
	"errors"
	"fmt"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// ErrTextTooLong is returned when either input exceeds domain.MaxTextLen
// bytes. Inputs are rejected rather than truncated so a verifier can never
// disagree about what was compared.
var ErrTextTooLong = errors.New("textdist: input exceeds maximum length")

// Distance returns the Levenshtein distance between a and b: the minimum
// number of single-byte insertions, deletions, and substitutions (each cost
// 1) transforming one into the other. Distance(nil, b) == len(b).
//
// The DP runs over two rolling rows keyed on the shorter input, so memory is
// O(min(len(a), len(b))) and the worst case is bounded by MaxTextLen².
func Distance(a, b []byte) (int, error) {
	if len(a) > domain.MaxTextLen || len(b) > domain.MaxTextLen {
		return 0, fmt.Errorf("%w: got %d and %d bytes, max %d",
			ErrTextTooLong, len(a), len(b), domain.MaxTextLen)
	}

	// Keep the shorter string on the row axis.
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a), nil
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)], nil
}

// DistanceStrings is a convenience wrapper over Distance for string inputs.
func DistanceStrings(a, b string) (int, error) {
	return Distance([]byte(a), []byte(b))
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
