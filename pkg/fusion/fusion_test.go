package fusion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodalsystems/vectra/pkg/vector"
)

func TestRelativeScoreAveragesNormalizedScores(t *testing.T) {
	a, b, c := vector.NewID(), vector.NewID(), vector.NewID()
	dense := []Hit{{a, 10}, {b, 5}, {c, 0}}
	sparse := []Hit{{a, 1}, {b, 0.5}}

	out := RelativeScore(dense, sparse)
	require.Len(t, out, 3)
	require.Equal(t, a, out[0].ID)
}

func TestReciprocalRankFusionRewardsTopRanks(t *testing.T) {
	a, b := vector.NewID(), vector.NewID()
	dense := []Hit{{a, 0.9}, {b, 0.8}}
	sparse := []Hit{{b, 5}, {a, 1}}

	out := ReciprocalRankFusion(dense, sparse)
	require.Len(t, out, 2)
	// a is rank 1 in dense and rank 2 in sparse: 1/61 + 1/62
	// b is rank 2 in dense and rank 1 in sparse: 1/62 + 1/61
	// symmetric, so scores tie; just assert both present.
	ids := []vector.ID{out[0].ID, out[1].ID}
	require.ElementsMatch(t, []vector.ID{a, b}, ids)
}

func TestDistributionBasedSumsZScores(t *testing.T) {
	a, b, c := vector.NewID(), vector.NewID(), vector.NewID()
	dense := []Hit{{a, 10}, {b, 5}, {c, 0}}
	sparse := []Hit{{a, 3}, {b, 3}, {c, 3}}

	out := DistributionBased(dense, sparse)
	require.Len(t, out, 3)
	require.Equal(t, a, out[0].ID)
}

func TestFusionDedupesByID(t *testing.T) {
	a := vector.NewID()
	dense := []Hit{{a, 1}}
	sparse := []Hit{{a, 1}}

	for _, strategy := range []Strategy{RelativeScore, ReciprocalRankFusion, DistributionBased} {
		out := strategy(dense, sparse)
		require.Len(t, out, 1)
		require.Equal(t, a, out[0].ID)
	}
}

func TestFusionHandlesEmptyLists(t *testing.T) {
	a := vector.NewID()
	dense := []Hit{{a, 1}}
	for _, strategy := range []Strategy{RelativeScore, ReciprocalRankFusion, DistributionBased} {
		out := strategy(dense, nil)
		require.Len(t, out, 1)
	}
}
