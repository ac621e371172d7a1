// Package rank implements C5: the closed-form scoring functions spec.md
// §4.4 pins down exactly, plus the tie-break comparator every physical
// operator uses to order equal-scoring results.
package rank

import "math"

// RecencyWindowSeconds is the 90-day window after which feedback boost
// decays to its floor of 1 (spec.md §4.4).
const RecencyWindowSeconds = 7_776_000

// TextRelevance computes compute_text_relevance(tfBoost, idf).
func TextRelevance(tfBoost, idf float64) float64 {
	return tfBoost * idf
}

// TermRuntimeScore computes compute_term_runtime_score. editDistance and
// termLen are non-negative; similarityBoost is in (0,1]; prefixPenalty
// applies only when isPrefix is true.
func TermRuntimeScore(staticScore float64, editDistance, termLen int, isPrefix bool, prefixPenalty, similarityBoost float64) float64 {
	if termLen <= 0 {
		return 0
	}
	ed := editDistance
	if ed > termLen {
		ed = termLen
	}
	score := staticScore * (1 - float64(ed)/float64(termLen)) * math.Pow(similarityBoost, float64(editDistance))
	if isPrefix {
		score *= prefixPenalty
	}
	return score
}

// AggregateAND computes aggregate_AND(scores) = Σ scores.
func AggregateAND(scores []float64) float64 {
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum
}

// AggregateOR computes aggregate_OR(scores) = max(scores).
func AggregateOR(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	return max
}

// AggregateNOT computes aggregate_NOT(score) = 1 − score.
func AggregateNOT(score float64) float64 {
	return 1 - score
}

// FeedbackBoost computes compute_feedback_boost(recencySec, freq). The
// recency factor is an inverse-square curve that reaches zero at
// RecencyWindowSeconds; the result never drops below 1, so it can always
// be applied as a multiplier without penalising a result.
func FeedbackBoost(recencySec float64, freq int) float64 {
	if freq <= 0 {
		return 1
	}
	ratio := recencySec / RecencyWindowSeconds
	recencyFactor := 1 - ratio*ratio
	if recencyFactor < 0 {
		recencyFactor = 0
	}
	boost := 1 + recencyFactor*math.Sqrt(float64(freq))
	if boost < 1 {
		return 1
	}
	return boost
}

// SloppyFreq computes compute_sloppy_freq(slopDistances) = √Σ 1/(1+sᵢ),
// used to scale an AND score into a phrase score:
// phraseScore = andScore * SloppyFreq(slopDistances).
func SloppyFreq(slopDistances []int) float64 {
	sum := 0.0
	for _, s := range slopDistances {
		sum += 1 / (1 + float64(s))
	}
	return math.Sqrt(sum)
}

// PhraseScore combines an AND-aggregated score for a phrase's
// constituent terms with its sloppy frequency.
func PhraseScore(andScore float64, slopDistances []int) float64 {
	return andScore * SloppyFreq(slopDistances)
}

// Scored is anything the tie-break comparator can order: a score plus
// the record id used to break ties.
type Scored interface {
	RankScore() float64
	RankRecordID() uint64
}

// Less implements the tie-break rule of spec.md §4.4: higher score
// ranks first; when scores are equal, the smaller record id ranks
// higher. Suitable as the Less callback for container/heap or
// sort.Slice over a descending result ordering.
func Less(a, b Scored) bool {
	if a.RankScore() != b.RankScore() {
		return a.RankScore() > b.RankScore()
	}
	return a.RankRecordID() < b.RankRecordID()
}
