package chart

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tvstream/internal/types"
)

func bar(t int64, close float64) types.Bar {
	return types.Bar{Time: t, Open: close, High: close, Low: close, Close: close}
}

func TestStoreKeepsAscendingOrder(t *testing.T) {
	s := NewStore()
	s.Apply([]types.Bar{bar(300, 3), bar(100, 1), bar(200, 2)})

	bars := s.Bars()
	assert.Len(t, bars, 3)
	for i := 1; i < len(bars); i++ {
		assert.Less(t, bars[i-1].Time, bars[i].Time)
	}
}

func TestStoreReplacesNewestBar(t *testing.T) {
	s := NewStore()
	s.Apply([]types.Bar{bar(100, 1), bar(200, 2)})
	s.Apply([]types.Bar{bar(200, 2.5)})

	assert.Equal(t, 2, s.Len())
	newest, ok := s.Newest()
	assert.True(t, ok)
	assert.Equal(t, 2.5, newest.Close)
}

func TestStorePrependsBackfill(t *testing.T) {
	s := NewStore()
	s.Apply([]types.Bar{bar(300, 3), bar(400, 4)})
	s.Apply([]types.Bar{bar(100, 1), bar(200, 2)})

	bars := s.Bars()
	assert.Len(t, bars, 4)
	assert.Equal(t, int64(100), bars[0].Time)
	oldest, _ := s.Oldest()
	assert.Equal(t, int64(100), oldest.Time)
}

func TestStoreNeverHoldsDuplicates(t *testing.T) {
	s := NewStore()
	s.Apply([]types.Bar{bar(100, 1), bar(100, 1.5), bar(200, 2)})
	s.Apply([]types.Bar{bar(200, 2), bar(100, 1.9)})

	bars := s.Bars()
	assert.Len(t, bars, 2)
	assert.Equal(t, 1.9, bars[0].Close)
}

func TestStoreReset(t *testing.T) {
	s := NewStore()
	s.Apply([]types.Bar{bar(100, 1)})
	s.Reset()

	assert.Equal(t, 0, s.Len())
	_, ok := s.Newest()
	assert.False(t, ok)
}
