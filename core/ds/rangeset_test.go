package ds

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSet_Add(t *testing.T) {
	s := NewRangeSet()

	require.True(t, s.Add(5))
	require.False(t, s.Add(5))
	require.True(t, s.Add(7))
	require.Equal(t, []Range{{5, 5}, {7, 7}}, s.Ranges())

	// 6 bridges both neighbours
	require.True(t, s.Add(6))
	require.Equal(t, []Range{{5, 7}}, s.Ranges())

	require.True(t, s.Add(4))
	require.True(t, s.Add(8))
	require.True(t, s.Add(20))
	require.Equal(t, []Range{{4, 8}, {20, 20}}, s.Ranges())
	require.Equal(t, uint64(6), s.Len())
	require.Equal(t, 2, s.RangeCount())
	require.Equal(t, "[4-8 20]", s.String())
}

func TestRangeSet_Contains(t *testing.T) {
	s := NewRangeSet(1, 2, 3, 10, math.MaxUint64)

	for _, v := range []uint64{1, 2, 3, 10, math.MaxUint64} {
		assert.True(t, s.Contains(v), v)
	}
	for _, v := range []uint64{0, 4, 9, 11, math.MaxUint64 - 1} {
		assert.False(t, s.Contains(v), v)
	}
}

func TestRangeSet_SequentialStaysOneRange(t *testing.T) {
	s := NewRangeSet()
	for v := range uint64(10_000) {
		s.Add(v)
	}
	require.Equal(t, 1, s.RangeCount())
	require.Equal(t, uint64(10_000), s.Len())
}

func TestRangeSet_DropLowestAndClear(t *testing.T) {
	s := NewRangeSet(1, 2, 5, 9)

	s.DropLowest()
	require.Equal(t, []Range{{5, 5}, {9, 9}}, s.Ranges())
	require.Equal(t, uint64(2), s.Len())
	require.False(t, s.Contains(1))

	s.Clear()
	require.Zero(t, s.Len())
	require.Empty(t, s.Ranges())
	s.DropLowest()
}

func TestRangeSet_JSON(t *testing.T) {
	s := NewRangeSet(1, 2, 3, 7)
	b, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `[[1,3],[7,7]]`, string(b))

	var got RangeSet
	require.NoError(t, json.Unmarshal([]byte(`[[1,3],[4,4],[7,9]]`), &got))
	require.Equal(t, []Range{{1, 4}, {7, 9}}, got.Ranges())
	require.Equal(t, uint64(7), got.Len())

	require.Error(t, json.Unmarshal([]byte(`[[3,1]]`), &got))
	require.Error(t, json.Unmarshal([]byte(`[[1,5],[4,6]]`), &got))
}
