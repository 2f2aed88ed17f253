package weeabot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndexes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected []indexRange
	}{
		{input: "0", expected: []indexRange{{0, 0}}},
		{input: "1 3", expected: []indexRange{{1, 1}, {3, 3}}},
		{input: "2-4", expected: []indexRange{{2, 4}}},
		{input: " 0  5-5\t7 ", expected: []indexRange{{0, 0}, {5, 5}, {7, 7}}},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				ranges, err := parseIndexes(tc.input)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, ranges)
			},
		)
	}
}

func TestParseIndexes_Invalid(t *testing.T) {
	t.Parallel()
	for _, input := range []string{
		"",
		"   ",
		"a",
		"-1",
		"1-",
		"4-2",
		"1-2-3",
		"+1",
		"1.5",
		"99999999999999999999999",
	} {
		_, err := parseIndexes(input)
		assert.ErrorIsf(t, err, ErrInvalidIndexFormat, "input: %q", input)
	}
}

func TestSelectIndexes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		ranges     []indexRange
		n          int
		expected   []int
		outOfRange []int
	}{
		{
			name:     "in range",
			ranges:   []indexRange{{0, 0}, {2, 3}},
			n:        4,
			expected: []int{0, 2, 3},
		},
		{
			name:     "keeps given order without duplicates",
			ranges:   []indexRange{{3, 3}, {1, 3}, {0, 0}},
			n:        4,
			expected: []int{3, 1, 2, 0},
		},
		{
			name:       "range past the end",
			ranges:     []indexRange{{1, 5}},
			n:          3,
			expected:   []int{1, 2},
			outOfRange: []int{3},
		},
		{
			name:       "entirely out of range",
			ranges:     []indexRange{{7, 9}, {0, 0}},
			n:          2,
			expected:   []int{0},
			outOfRange: []int{7},
		},
		{
			name:       "empty list",
			ranges:     []indexRange{{0, 0}},
			n:          0,
			outOfRange: []int{0},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				selected, errs := selectIndexes(tc.ranges, tc.n)
				assert.Equal(t, tc.expected, selected)

				var got []int
				for _, err := range errs {
					var indexErr *IndexOutOfRangeError
					require.ErrorAs(t, err, &indexErr)
					got = append(got, indexErr.Index)
				}
				assert.Equal(t, tc.outOfRange, got)
			},
		)
	}
}
