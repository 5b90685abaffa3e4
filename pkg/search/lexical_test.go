package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalIndex_BM25Ranking(t *testing.T) {
	idx := NewLexicalIndex()

	idx.Index("q1", "Differentiate the polynomial and find the stationary points")
	idx.Index("q2", "Integrate the function between the given limits")
	idx.Index("q3", "Differentiate twice to classify the stationary points of the curve")

	results := idx.Search("differentiate stationary points", 10)
	require.NotEmpty(t, results)

	// Both differentiation questions outrank the integration one.
	ids := map[string]bool{}
	for _, r := range results[:2] {
		ids[r.ID] = true
	}
	assert.True(t, ids["q1"])
	assert.True(t, ids["q3"])
}

func TestLexicalIndex_RemoveAndReindex(t *testing.T) {
	idx := NewLexicalIndex()

	idx.Index("q1", "projectile motion under gravity")
	assert.Equal(t, 1, idx.Count())

	idx.Remove("q1")
	assert.Equal(t, 0, idx.Count())
	assert.Empty(t, idx.Search("projectile", 5))

	// Re-indexing replaces rather than duplicates.
	idx.Index("q2", "simple harmonic motion")
	idx.Index("q2", "circular motion and angular velocity")
	assert.Equal(t, 1, idx.Count())

	results := idx.Search("angular velocity", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "q2", results[0].ID)
	assert.Empty(t, idx.Search("harmonic", 5))
}

func TestLexicalIndex_PrefixMatching(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Index("q1", "differentiation of composite functions")

	// "different" matches "differentiation" by prefix at reduced weight.
	results := idx.Search("different", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "q1", results[0].ID)
}

func TestLexicalIndex_EmptyAndStopWordQueries(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Index("q1", "vectors and matrices")

	assert.Empty(t, idx.Search("", 5))
	assert.Empty(t, idx.Search("the and of", 5))
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Find dy/dx for y = 3x^2 + 2x, and state the gradient.")
	assert.Contains(t, tokens, "dy")
	assert.Contains(t, tokens, "dx")
	assert.Contains(t, tokens, "gradient")
	assert.NotContains(t, tokens, "the") // stop word
	assert.NotContains(t, tokens, "y")   // single character
}
