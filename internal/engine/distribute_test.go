package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
)

func teams(capacities ...int) []domain.Team {
	out := make([]domain.Team, 0, len(capacities))
	for i, c := range capacities {
		out = append(out, domain.Team{ID: string(rune('a' + i)), Capacity: c})
	}
	return out
}

func pool(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, string(rune('A'+i)))
	}
	return out
}

func TestDistributeLargestCapacityFirst(t *testing.T) {
	slots := buildLedger(teams(5, 2, 8), nil, nil)
	assignments, pending := distribute(pool(10), slots)

	require.Len(t, assignments, 2)
	require.Equal(t, "c", assignments[0].TeamID)
	require.Len(t, assignments[0].OrderIDs, 8)
	require.Equal(t, "a", assignments[1].TeamID)
	require.Len(t, assignments[1].OrderIDs, 2)
	require.Empty(t, pending)
}

func TestDistributePoolConservation(t *testing.T) {
	in := pool(17)
	assignments, pending := distribute(in, buildLedger(teams(4, 4, 3), nil, nil))

	seen := map[string]int{}
	total := 0
	for _, a := range assignments {
		for _, id := range a.OrderIDs {
			seen[id]++
			total++
		}
	}
	for _, id := range pending {
		seen[id]++
		total++
	}
	require.Equal(t, len(in), total)
	for id, n := range seen {
		require.Equalf(t, 1, n, "order %s handed out %d times", id, n)
	}
	require.Len(t, pending, 6)
}

func TestDistributeStableTies(t *testing.T) {
	assignments, _ := distribute(pool(6), buildLedger(teams(3, 3), nil, nil))
	require.Equal(t, "a", assignments[0].TeamID)
	require.Equal(t, "b", assignments[1].TeamID)
}

func TestBuildLedgerClampsConsumption(t *testing.T) {
	slots := buildLedger(teams(5), map[string]int{"a": 7}, nil)
	require.Equal(t, 0, slots[0].Effective)

	assignments, pending := distribute(pool(3), slots)
	require.Empty(t, assignments)
	require.Len(t, pending, 3)
}

func TestBuildLedgerQuotaOnlyTightens(t *testing.T) {
	// quota below remaining caps the take
	slots := buildLedger(teams(10), map[string]int{"a": 4}, map[string]int{"a": 2})
	require.Equal(t, 2, slots[0].Effective)

	// quota above remaining never raises the ceiling
	slots = buildLedger(teams(10), map[string]int{"a": 8}, map[string]int{"a": 100})
	require.Equal(t, 2, slots[0].Effective)

	// an explicit zero quota closes the team
	slots = buildLedger(teams(10), nil, map[string]int{"a": 0})
	require.Equal(t, 0, slots[0].Effective)
}

func TestDistributeEmptySlots(t *testing.T) {
	assignments, pending := distribute(pool(4), nil)
	require.Empty(t, assignments)
	require.Len(t, pending, 4)
}
