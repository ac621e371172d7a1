package rank

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextRelevance(t *testing.T) {
	assert.Equal(t, 6.0, TextRelevance(2, 3))
}

func TestTermRuntimeScore_ExactMatch(t *testing.T) {
	got := TermRuntimeScore(10, 0, 4, false, 0.5, 0.8)
	assert.Equal(t, 10.0, got)
}

func TestTermRuntimeScore_PenalisesEditDistanceAndPrefix(t *testing.T) {
	exact := TermRuntimeScore(10, 0, 4, false, 0.5, 0.8)
	fuzzy := TermRuntimeScore(10, 1, 4, false, 0.5, 0.8)
	prefixed := TermRuntimeScore(10, 0, 4, true, 0.5, 0.8)

	assert.Less(t, fuzzy, exact)
	assert.Less(t, prefixed, exact)
}

func TestTermRuntimeScore_EditDistanceClampedToTermLen(t *testing.T) {
	// editDistance > termLen must not drive the (1 - ed/L) factor negative.
	got := TermRuntimeScore(10, 50, 4, false, 0.5, 0.8)
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestAggregateAND(t *testing.T) {
	assert.Equal(t, 6.0, AggregateAND([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, AggregateAND(nil))
}

func TestAggregateOR(t *testing.T) {
	assert.Equal(t, 3.0, AggregateOR([]float64{1, 3, 2}))
}

func TestAggregateNOT(t *testing.T) {
	assert.Equal(t, 0.25, AggregateNOT(0.75))
}

func TestFeedbackBoost_FloorIsOne(t *testing.T) {
	assert.Equal(t, 1.0, FeedbackBoost(RecencyWindowSeconds, 10))
	assert.Equal(t, 1.0, FeedbackBoost(2*RecencyWindowSeconds, 10))
	assert.Equal(t, 1.0, FeedbackBoost(0, 0))
}

func TestFeedbackBoost_MonotonicDecreasingInRecency(t *testing.T) {
	recent := FeedbackBoost(0, 9)
	old := FeedbackBoost(RecencyWindowSeconds/2, 9)
	assert.Greater(t, recent, old)
	assert.GreaterOrEqual(t, old, 1.0)
}

func TestFeedbackBoost_MonotonicIncreasingInFrequency(t *testing.T) {
	low := FeedbackBoost(0, 1)
	high := FeedbackBoost(0, 9)
	assert.Greater(t, high, low)
}

func TestSloppyFreqAndPhraseScore(t *testing.T) {
	sf := SloppyFreq([]int{0, 1})
	assert.InDelta(t, math.Sqrt(1+0.5), sf, 1e-9)
	assert.Equal(t, 4.0*sf, PhraseScore(4.0, []int{0, 1}))
}

type scoredStub struct {
	score    float64
	recordID uint64
}

func (s scoredStub) RankScore() float64     { return s.score }
func (s scoredStub) RankRecordID() uint64   { return s.recordID }

func TestTieBreakByAscendingRecordID(t *testing.T) {
	results := []scoredStub{
		{score: 1.0, recordID: 5},
		{score: 2.0, recordID: 1},
		{score: 1.0, recordID: 2},
	}
	sort.Slice(results, func(i, j int) bool { return Less(results[i], results[j]) })

	assert.Equal(t, []uint64{1, 2, 5}, []uint64{results[0].recordID, results[1].recordID, results[2].recordID})
}
