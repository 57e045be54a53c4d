// Package fusion implements the hybrid search result fusion
// strategies that combine a dense (vector) result list with a sparse
// (keyword) result list into one ranked, deduplicated list.
package fusion

import (
	"math"
	"sort"

	"github.com/nodalsystems/vectra/pkg/vector"
)

// Hit is one scored candidate from either a dense or sparse search.
// Every Strategy treats a higher input Score as better and returns
// hits ordered by descending fused Score; a distance list (lower is
// better) is not inverted here and must be negated by the caller, as
// VectorStore.HybridSearch does.
type Hit struct {
	ID    vector.ID
	Score float32
}

// Strategy combines two ranked hit lists into one.
type Strategy func(dense, sparse []Hit) []Hit

// RelativeScore min-max normalises each list independently onto
// [0, 1], then averages the two scores per id. An id present in only
// one list is scored using only that list's normalised score.
func RelativeScore(dense, sparse []Hit) []Hit {
	dn := minMaxNormalize(dense)
	sn := minMaxNormalize(sparse)

	scores := make(map[vector.ID]float32)
	counts := make(map[vector.ID]int)
	for _, h := range dn {
		scores[h.ID] += h.Score
		counts[h.ID]++
	}
	for _, h := range sn {
		scores[h.ID] += h.Score
		counts[h.ID]++
	}

	out := make([]Hit, 0, len(scores))
	for id, sum := range scores {
		out = append(out, Hit{ID: id, Score: sum / float32(counts[id])})
	}
	sortDesc(out)
	return out
}

// ReciprocalRankFusion scores each id by the sum of 1/(k+rank) across
// whichever lists it appears in, rank being 1-based. k defaults to 60.
func ReciprocalRankFusion(dense, sparse []Hit) []Hit {
	const k = 60
	scores := make(map[vector.ID]float32)
	addRanks := func(hits []Hit) {
		for i, h := range hits {
			rank := i + 1
			scores[h.ID] += 1.0 / float32(k+rank)
		}
	}
	addRanks(dense)
	addRanks(sparse)

	out := make([]Hit, 0, len(scores))
	for id, s := range scores {
		out = append(out, Hit{ID: id, Score: s})
	}
	sortDesc(out)
	return out
}

// DistributionBased z-score normalises each list independently, then
// sums the per-id z-scores across both lists.
func DistributionBased(dense, sparse []Hit) []Hit {
	dz := zScoreNormalize(dense)
	sz := zScoreNormalize(sparse)

	scores := make(map[vector.ID]float32)
	for _, h := range dz {
		scores[h.ID] += h.Score
	}
	for _, h := range sz {
		scores[h.ID] += h.Score
	}

	out := make([]Hit, 0, len(scores))
	for id, s := range scores {
		out = append(out, Hit{ID: id, Score: s})
	}
	sortDesc(out)
	return out
}

func minMaxNormalize(hits []Hit) []Hit {
	if len(hits) == 0 {
		return nil
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	out := make([]Hit, len(hits))
	span := max - min
	for i, h := range hits {
		if span == 0 {
			out[i] = Hit{ID: h.ID, Score: 1}
			continue
		}
		out[i] = Hit{ID: h.ID, Score: (h.Score - min) / span}
	}
	return out
}

func zScoreNormalize(hits []Hit) []Hit {
	if len(hits) == 0 {
		return nil
	}
	var sum float64
	for _, h := range hits {
		sum += float64(h.Score)
	}
	mean := sum / float64(len(hits))

	var variance float64
	for _, h := range hits {
		d := float64(h.Score) - mean
		variance += d * d
	}
	variance /= float64(len(hits))
	stddev := math.Sqrt(variance)

	out := make([]Hit, len(hits))
	for i, h := range hits {
		if stddev == 0 {
			out[i] = Hit{ID: h.ID, Score: 0}
			continue
		}
		out[i] = Hit{ID: h.ID, Score: float32((float64(h.Score) - mean) / stddev)}
	}
	return out
}

func sortDesc(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return lessID(hits[i].ID, hits[j].ID)
	})
}

func lessID(a, b vector.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
