package weeabot

import (
	"strconv"
	"strings"
)

// indexRange is an inclusive range of list indexes.
type indexRange struct {
	lo, hi int
}

// parseIndexes parses whitespace-separated index tokens, each either N or
// an inclusive range A-B with A <= B. Indexes are zero-based, matching
// the numbering shown by `request list`.
func parseIndexes(s string) ([]indexRange, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return nil, ErrInvalidIndexFormat
	}

	ranges := make([]indexRange, 0, len(tokens))
	for _, token := range tokens {
		before, after, isRange := strings.Cut(token, "-")
		lo, err := parseIndex(before)
		if err != nil {
			return nil, err
		}
		hi := lo
		if isRange {
			hi, err = parseIndex(after)
			if err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, ErrInvalidIndexFormat
			}
		}
		ranges = append(ranges, indexRange{lo: lo, hi: hi})
	}
	return ranges, nil
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, ErrInvalidIndexFormat
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrInvalidIndexFormat
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrInvalidIndexFormat
	}
	return n, nil
}

// selectIndexes resolves ranges against a list of length n. It returns
// the valid indexes in the order given, without duplicates, and an
// [IndexOutOfRangeError] for each range reaching past the end of the
// list (reporting the first index out of range).
func selectIndexes(ranges []indexRange, n int) ([]int, []error) {
	var selected []int
	var outOfRange []error
	seen := make(map[int]bool)

	for _, r := range ranges {
		for i := r.lo; i <= r.hi && i < n; i++ {
			if !seen[i] {
				seen[i] = true
				selected = append(selected, i)
			}
		}
		if r.hi >= n {
			outOfRange = append(outOfRange, &IndexOutOfRangeError{Index: max(r.lo, n)})
		}
	}
	return selected, outOfRange
}
