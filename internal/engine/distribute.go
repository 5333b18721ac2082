package engine

import (
	"sort"

	"leadline/internal/domain"
)

// teamSlot is one team's headroom for a single run. Effective already
// folds in prior consumption for the date and any caller quota.
type teamSlot struct {
	TeamID    string
	Capacity  int
	Effective int
}

// Assignment pairs a team with the orders handed to it in one run.
type Assignment struct {
	TeamID   string
	OrderIDs []string
}

// buildLedger computes each team's effective headroom for the date:
// capacity minus what earlier batches already consumed, clamped at
// zero, tightened by the caller's quota when one is given. Teams come
// back ordered by total capacity descending so the largest teams fill
// first; ties keep the input order.
func buildLedger(teams []domain.Team, consumed map[string]int, quotas map[string]int) []teamSlot {
	slots := make([]teamSlot, 0, len(teams))
	for _, t := range teams {
		remaining := t.Capacity - consumed[t.ID]
		if remaining < 0 {
			remaining = 0
		}
		if q, ok := quotas[t.ID]; ok && q < remaining {
			remaining = q
		}
		slots = append(slots, teamSlot{TeamID: t.ID, Capacity: t.Capacity, Effective: remaining})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Capacity > slots[j].Capacity
	})
	return slots
}

// distribute hands out the pool in a single greedy pass: each team in
// slot order takes min(effective headroom, what is left of the pool).
// Whatever survives the pass is the pending slice. Deterministic, and
// no order is ever given to two teams in one call.
func distribute(pool []string, slots []teamSlot) ([]Assignment, []string) {
	cursor := 0
	var assignments []Assignment
	for _, s := range slots {
		if cursor >= len(pool) {
			break
		}
		take := s.Effective
		if rest := len(pool) - cursor; take > rest {
			take = rest
		}
		if take <= 0 {
			continue
		}
		assignments = append(assignments, Assignment{
			TeamID:   s.TeamID,
			OrderIDs: append([]string(nil), pool[cursor:cursor+take]...),
		})
		cursor += take
	}
	pending := append([]string(nil), pool[cursor:]...)
	return assignments, pending
}
