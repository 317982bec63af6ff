package grading

import (
	"sort"

	"github.com/shopspring/decimal"
)

// averages closer than this share a rank
var tieTolerance = decimal.New(1, -AveragePlaces)

// AssignRanks ranks cards by average, highest first.
// A card within tieTolerance of the previous one shares its rank; otherwise it gets its 1-based position,
// so ranks skip past a tie block: [18, 15, 15, 12] ranks [1, 2, 2, 4].
func AssignRanks(cards []ReportCard) []RankUpdate {
	if len(cards) == 0 {
		return nil
	}

	sorted := make([]ReportCard, len(cards))
	copy(sorted, cards)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Average.Cmp(sorted[j].Average); c != 0 {
			return c > 0
		}
		return sorted[i].StudentID < sorted[j].StudentID
	})

	updates := make([]RankUpdate, 0, len(sorted))
	currentRank := 1
	for i, card := range sorted {
		if i > 0 && !card.Average.Sub(sorted[i-1].Average).Abs().LessThan(tieTolerance) {
			currentRank = i + 1
		}
		updates = append(updates, RankUpdate{
			ReportCardID: card.ID,
			StudentID:    card.StudentID,
			Rank:         currentRank,
		})
	}
	return updates
}
