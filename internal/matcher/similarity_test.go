package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases",
			input:    "Dune",
			expected: "dune",
		},
		{
			name:     "strips punctuation",
			input:    "The Hitchhiker's Guide to the Galaxy!",
			expected: "the hitchhiker s guide to the galaxy",
		},
		{
			name:     "collapses whitespace",
			input:    "A   Game\tof   Thrones",
			expected: "a game of thrones",
		},
		{
			name:     "trims separators at the edges",
			input:    "  - Dune - ",
			expected: "dune",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 0, LevenshteinDistance("dune", "dune"))
	assert.Equal(t, 4, LevenshteinDistance("", "dune"))
	assert.Equal(t, 4, LevenshteinDistance("dune", ""))
	assert.Equal(t, 1, LevenshteinDistance("dune", "dane"))
	assert.Equal(t, 3, LevenshteinDistance("kitten", "sitting"))
}

func TestLevenshteinSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, LevenshteinSimilarity("", ""))
	assert.Equal(t, 1.0, LevenshteinSimilarity("dune", "dune"))
	assert.Equal(t, 0.0, LevenshteinSimilarity("abc", "xyz"))

	// One edit across five runes
	assert.InDelta(t, 0.8, LevenshteinSimilarity("haben", "hagen"), 1e-9)
}

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 1.0, JaroSimilarity("", ""))
	assert.Equal(t, 0.0, JaroSimilarity("dune", ""))
	assert.Equal(t, 1.0, JaroWinkler("dune", "dune"))

	// Shared prefixes score higher than the plain Jaro similarity
	jaro := JaroSimilarity("martha", "marhta")
	jw := JaroWinkler("martha", "marhta")
	assert.Greater(t, jw, jaro)
	assert.LessOrEqual(t, jw, 1.0)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("dune", "dune"))
	assert.Equal(t, 0.0, Similarity("dune", ""))
	assert.Equal(t, 0.0, Similarity("", "dune"))

	// Case and punctuation insensitive once normalized
	a := Normalize("Dune: Messiah")
	b := Normalize("dune messiah")
	assert.Equal(t, 1.0, Similarity(a, b))

	// Similar titles score high, unrelated titles score low
	assert.Greater(t, Similarity("dune messiah", "dune messiah frank herbert"), 0.5)
	assert.Less(t, Similarity("dune", "war and peace"), 0.5)
}
