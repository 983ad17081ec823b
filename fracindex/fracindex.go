// Package fracindex generates dense, lexicographically ordered position
// keys. A position is a string over an ordered digit alphabet; the
// lexicographic order of the strings is the order of the items, so list
// columns can be sorted with a plain ORDER BY. Keys never end in the
// alphabet's smallest digit, which keeps room below every key.
package fracindex

import (
	"fmt"
	"strings"
)

// Alphabet is an ordered digit set. Every peer must use the same
// alphabet for a given column.
type Alphabet string

const (
	Base10 Alphabet = "0123456789"
	Base52 Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Anchors framing a list. They are markers understood by Mid, never
// stored as positions themselves.
const (
	HeadAnchor = "["
	TailAnchor = "]"
)

// AppendMarker is the literal a caller places in a fractional-index
// column to mean "after the current last position". The change capture
// layer substitutes it with Mid(last, TailAnchor) at emission time.
const AppendMarker = "|append"

func (a Alphabet) index(c byte) (int, error) {
	i := strings.IndexByte(string(a), c)
	if i < 0 {
		return 0, fmt.Errorf("digit %q not in alphabet", c)
	}
	return i, nil
}

func (a Alphabet) validate(s string) error {
	if s == "" {
		return fmt.Errorf("empty position")
	}
	for i := range len(s) {
		if _, err := a.index(s[i]); err != nil {
			return fmt.Errorf("position %q: %w", s, err)
		}
	}
	if s[len(s)-1] == a[0] {
		return fmt.Errorf("position %q ends in smallest digit", s)
	}
	return nil
}

// Mid returns a key strictly between a and b in lexicographic order.
// a may be HeadAnchor and b may be TailAnchor. The result is
// deterministic: identical inputs yield the identical key on every
// peer.
func Mid(a, b string, alpha Alphabet) (string, error) {
	lo, hi := a, b
	if lo == HeadAnchor {
		lo = ""
	} else if err := alpha.validate(lo); err != nil {
		return "", err
	}

	unbounded := hi == TailAnchor
	if unbounded {
		hi = ""
	} else if err := alpha.validate(hi); err != nil {
		return "", err
	}

	if !unbounded && lo >= hi {
		return "", fmt.Errorf("positions out of order: %q >= %q", a, b)
	}

	return midpoint(lo, hi, alpha), nil
}

// midpoint assumes lo < hi (hi == "" means unbounded above) and that
// neither operand ends in the smallest digit.
func midpoint(lo, hi string, alpha Alphabet) string {
	if hi != "" {
		// strip the longest common prefix, treating lo as padded with
		// the smallest digit
		n := 0
		for n < len(hi) {
			c := alpha[0]
			if n < len(lo) {
				c = lo[n]
			}
			if c != hi[n] {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(lo) {
				rest = lo[n:]
			}
			return hi[:n] + midpoint(rest, hi[n:], alpha)
		}
	}

	// first digits now differ
	da := 0
	if lo != "" {
		da, _ = alpha.index(lo[0])
	}
	db := len(alpha)
	if hi != "" {
		db, _ = alpha.index(hi[0])
	}

	if db-da > 1 {
		return string(alpha[(da+db)/2])
	}

	// consecutive digits: no room at this position
	if len(hi) > 1 {
		// hi's first digit alone sits strictly between
		return hi[:1]
	}

	// descend along lo
	rest := ""
	if lo != "" {
		rest = lo[1:]
	}
	return string(alpha[da]) + midpoint(rest, "", alpha)
}
