package hrw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopK(t *testing.T) {
	nodes := []string{"a", "b", "c", "d"}

	top := TopK("key", nodes, 2, "seed")
	require.Len(t, top, 2)
	require.NotEqual(t, top[0], top[1])
	assert.GreaterOrEqual(t, Score("key", top[0], "seed"), Score("key", top[1], "seed"))

	assert.Equal(t, top, TopK("key", []string{"d", "c", "b", "a"}, 2, "seed"), "order of candidates does not matter")
	assert.Len(t, TopK("key", nodes, 10, "seed"), 4)
	assert.Nil(t, TopK("key", nodes, 0, "seed"))
	assert.Nil(t, TopK("key", nil, 3, "seed"))
}

func TestBest(t *testing.T) {
	_, ok := Best("key", nil, "")
	require.False(t, ok)

	best, ok := Best("key", []string{"a", "b", "c"}, "")
	require.True(t, ok)
	require.Equal(t, TopK("key", []string{"a", "b", "c"}, 1, "")[0], best)
}

func TestRemovingCandidateOnlyMovesItsKeys(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}
	without := []string{"a", "b", "d", "e"}
	for i := range 500 {
		key := fmt.Sprintf("k%d", i)
		before, _ := Best(key, nodes, "s")
		after, _ := Best(key, without, "s")
		if before != "c" {
			require.Equal(t, before, after, key)
		}
	}
}

func TestSeedChangesPlacement(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	moved := 0
	for i := range 200 {
		key := fmt.Sprintf("k%d", i)
		x, _ := Best(key, nodes, "one")
		y, _ := Best(key, nodes, "two")
		if x != y {
			moved++
		}
	}
	require.Positive(t, moved)
}
