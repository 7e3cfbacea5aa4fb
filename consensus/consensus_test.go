package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeriodBoundaries(t *testing.T) {
	const blockTime = 60
	cases := []struct {
		since  int64
		period int
	}{
		{0, 0},
		{19, 0},
		{20, 1},
		{39, 1},
		{40, 2},
		{blockTime - 1, 2},
		{blockTime, 3},
		{blockTime + 1000, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.period, periodFor(tc.since, blockTime), "since=%d", tc.since)
	}
}

func TestMajorityOpinion(t *testing.T) {
	t.Run("undefined below two contributors", func(t *testing.T) {
		assert.Empty(t, majorityOpinion(map[string]string{"a": "h1"}, nil))
		assert.Empty(t, majorityOpinion(nil, nil))
	})

	t.Run("plain mode", func(t *testing.T) {
		pool := map[string]string{"a": "h1", "b": "h1", "c": "h2"}
		assert.Equal(t, "h1", majorityOpinion(pool, map[string]int64{}))
	})

	t.Run("trust weighting", func(t *testing.T) {
		pool := map[string]string{"a": "h1", "b": "h1", "c": "h2"}
		trust := map[string]int64{"c": 10}
		assert.Equal(t, "h2", majorityOpinion(pool, trust))
	})

	t.Run("negative trust counts as one", func(t *testing.T) {
		pool := map[string]string{"a": "h1", "b": "h2"}
		trust := map[string]int64{"a": -5000, "b": -5000}
		// Both weigh 1; the tie breaks to the lower hash.
		assert.Equal(t, "h1", majorityOpinion(pool, trust))
	})

	t.Run("tie breaks to lowest hash", func(t *testing.T) {
		pool := map[string]string{"a": "zz", "b": "aa"}
		assert.Equal(t, "aa", majorityOpinion(pool, nil))
	})
}

func TestSortOccurrence(t *testing.T) {
	values := []string{"h2", "h1", "h2", "h3", "h2", "h3"}
	assert.Equal(t, []string{"h2", "h3", "h1"}, sortOccurrence(values))
	assert.Empty(t, sortOccurrence(nil))
}

func TestMinorityConsensus(t *testing.T) {
	assert.False(t, minorityConsensus("", "anything"))
	assert.False(t, minorityConsensus("h1", "h1"))
	assert.True(t, minorityConsensus("h1", "h2"))
}

func TestElectLeader(t *testing.T) {
	producers := []Producer{
		{IP: "10.0.0.1", Address: "ndo-aaa"},
		{IP: "10.0.0.2", Address: "ndo-bbb"},
		{IP: "10.0.0.3", Address: "ndo-ccc"},
	}

	t.Run("deterministic", func(t *testing.T) {
		first := ElectLeader(producers, nil, "parent-1")
		second := ElectLeader(producers, nil, "parent-1")
		assert.NotNil(t, first)
		assert.Equal(t, first.Address, second.Address)
	})

	t.Run("parent hash reshuffles the lottery", func(t *testing.T) {
		// Not guaranteed to differ for any single pair of parents, but
		// across a set of windows at least one election must move.
		base := ElectLeader(producers, nil, "parent-1").Address
		moved := false
		for _, parent := range []string{"parent-2", "parent-3", "parent-4", "parent-5"} {
			if ElectLeader(producers, nil, parent).Address != base {
				moved = true
				break
			}
		}
		assert.True(t, moved)
	})

	t.Run("penalized producers are skipped", func(t *testing.T) {
		winner := ElectLeader(producers, nil, "parent-1")
		penalties := map[string]int64{winner.Address: penaltyCutoff}
		next := ElectLeader(producers, penalties, "parent-1")
		assert.NotNil(t, next)
		assert.NotEqual(t, winner.Address, next.Address)
	})

	t.Run("nobody eligible", func(t *testing.T) {
		penalties := map[string]int64{
			"ndo-aaa": penaltyCutoff,
			"ndo-bbb": penaltyCutoff,
			"ndo-ccc": penaltyCutoff,
		}
		assert.Nil(t, ElectLeader(producers, penalties, "parent-1"))
	})

	t.Run("empty producer set", func(t *testing.T) {
		assert.Nil(t, ElectLeader(nil, nil, "parent-1"))
	})
}

func TestCandidateReward(t *testing.T) {
	assert.Equal(t, int64(1000), CandidateReward(1000, 100, 0, 0))
	assert.Equal(t, int64(990), CandidateReward(1000, 100, 0, 10))
	assert.Equal(t, int64(0), CandidateReward(1000, 100, 0, 2000), "penalty above reward floors at zero")
	assert.Equal(t, int64(500), CandidateReward(1000, 100, 150, 0))
}
