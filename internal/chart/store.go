package chart

import (
	"sort"

	"tvstream/internal/types"
)

// Store is the ordered periods store backing a chart series: bars sorted by
// open timestamp, no duplicates. Live updates replace the newest bar;
// backfills prepend older bars.
type Store struct {
	bars []types.Bar
}

func NewStore() *Store {
	return &Store{}
}

// Apply upserts a batch of bars and returns the bars that changed the store,
// in ascending time order.
func (s *Store) Apply(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return nil
	}
	applied := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		s.upsert(b)
		applied = append(applied, b)
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].Time < applied[j].Time })
	return applied
}

func (s *Store) upsert(b types.Bar) {
	i := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Time >= b.Time })
	if i < len(s.bars) && s.bars[i].Time == b.Time {
		s.bars[i] = b
		return
	}
	s.bars = append(s.bars, types.Bar{})
	copy(s.bars[i+1:], s.bars[i:])
	s.bars[i] = b
}

// Bars returns a copy of the store in ascending time order.
func (s *Store) Bars() []types.Bar {
	out := make([]types.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

func (s *Store) Len() int { return len(s.bars) }

// Oldest returns the earliest bar.
func (s *Store) Oldest() (types.Bar, bool) {
	if len(s.bars) == 0 {
		return types.Bar{}, false
	}
	return s.bars[0], true
}

// Newest returns the latest bar, the one live updates mutate.
func (s *Store) Newest() (types.Bar, bool) {
	if len(s.bars) == 0 {
		return types.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Reset drops every bar, used on symbol or timeframe changes.
func (s *Store) Reset() {
	s.bars = nil
}
