package grading

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
)

func cardsWithAverages(averages ...string) []ReportCard {
	cards := make([]ReportCard, 0, len(averages))
	for i, avg := range averages {
		id := strconv.Itoa(i + 1)
		cards = append(cards, ReportCard{ID: "rc" + id, StudentID: "s" + id, Average: decimal.RequireFromString(avg)})
	}
	return cards
}

func ranksByCard(updates []RankUpdate) map[string]int {
	ranks := make(map[string]int, len(updates))
	for _, u := range updates {
		ranks[u.ReportCardID] = u.Rank
	}
	return ranks
}

func TestAssignRanks(t *testing.T) {
	tests := []struct {
		name     string
		averages []string
		want     map[string]int
	}{
		{name: "empty", want: map[string]int{}},
		{name: "single", averages: []string{"12"}, want: map[string]int{"rc1": 1}},
		{
			name:     "skips after a tie",
			averages: []string{"18", "15", "15", "12"},
			want:     map[string]int{"rc1": 1, "rc2": 2, "rc3": 2, "rc4": 4},
		},
		{
			name:     "all tied",
			averages: []string{"14", "14", "14"},
			want:     map[string]int{"rc1": 1, "rc2": 1, "rc3": 1},
		},
		{
			name:     "unsorted input",
			averages: []string{"12", "15", "18", "15"},
			want:     map[string]int{"rc1": 4, "rc2": 2, "rc3": 1, "rc4": 2},
		},
		{
			name:     "one hundredth apart is not a tie",
			averages: []string{"15.01", "15"},
			want:     map[string]int{"rc1": 1, "rc2": 2},
		},
		{
			name:     "sub-hundredth difference is a tie",
			averages: []string{"15.009", "15"},
			want:     map[string]int{"rc1": 1, "rc2": 1},
		},
		{
			name:     "tie at the bottom",
			averages: []string{"18", "16", "11", "11"},
			want:     map[string]int{"rc1": 1, "rc2": 2, "rc3": 3, "rc4": 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ranksByCard(AssignRanks(cardsWithAverages(tt.averages...))); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AssignRanks() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignRanks_keepsInput(t *testing.T) {
	cards := cardsWithAverages("12", "18")
	_ = AssignRanks(cards)
	if cards[0].ID != "rc1" || cards[1].ID != "rc2" {
		t.Errorf("AssignRanks() reordered its input: %v", cards)
	}
}
