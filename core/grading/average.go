package grading

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultCoefficient weighs subjects with no configured coefficient.
const DefaultCoefficient = 1

// AveragePlaces is the fixed-point precision of stored averages.
const AveragePlaces = 2

type subjectTotal struct {
	sum   decimal.Decimal
	count int64
}

// WeightedAverage computes Σ(subject_mean × coefficient) / Σ(coefficient), rounded half-up to two places.
// Scores are taken at face value: they are not normalized by the assignment's maximum score.
// ok is false when grades is empty.
func WeightedAverage(grades []ScoredGrade, coefficients map[string]int) (avg decimal.Decimal, ok bool) {
	if len(grades) == 0 {
		return decimal.Zero, false
	}

	totals := make(map[string]*subjectTotal)
	for _, g := range grades {
		t, found := totals[g.SubjectID]
		if !found {
			t = &subjectTotal{sum: decimal.Zero}
			totals[g.SubjectID] = t
		}
		t.sum = t.sum.Add(g.Score)
		t.count++
	}

	// fixed iteration order keeps the decimal arithmetic reproducible
	subjects := make([]string, 0, len(totals))
	for subj := range totals {
		subjects = append(subjects, subj)
	}
	sort.Strings(subjects)

	weighted := decimal.Zero
	weights := decimal.Zero
	for _, subj := range subjects {
		t := totals[subj]
		coef := coefficientOf(subj, coefficients)
		mean := t.sum.Div(decimal.NewFromInt(t.count))
		weighted = weighted.Add(mean.Mul(coef))
		weights = weights.Add(coef)
	}
	return weighted.Div(weights).Round(AveragePlaces), true
}

func coefficientOf(subjectID string, coefficients map[string]int) decimal.Decimal {
	if c, ok := coefficients[subjectID]; ok && c > 0 {
		return decimal.NewFromInt(int64(c))
	}
	return decimal.NewFromInt(DefaultCoefficient)
}
