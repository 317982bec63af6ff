package grading

import (
	"testing"

	"github.com/shopspring/decimal"
)

func scored(subject string, period Period, score string) ScoredGrade {
	return ScoredGrade{SubjectID: subject, Period: period, Score: decimal.RequireFromString(score)}
}

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name         string
		grades       []ScoredGrade
		coefficients map[string]int
		want         string
		wantOK       bool
	}{
		{name: "no grades", want: "0", wantOK: false},
		{
			name:         "math & french",
			grades:       []ScoredGrade{scored("math", 1, "15"), scored("math", 1, "17"), scored("french", 1, "14")},
			coefficients: map[string]int{"math": 4, "french": 3},
			want:         "15.14",
			wantOK:       true,
		},
		{
			name:   "missing coefficients default to 1",
			grades: []ScoredGrade{scored("math", 1, "16"), scored("french", 1, "14")},
			want:   "15",
			wantOK: true,
		},
		{
			name:         "non-positive coefficients default to 1",
			grades:       []ScoredGrade{scored("math", 1, "16"), scored("french", 1, "14")},
			coefficients: map[string]int{"math": 0, "french": -3},
			want:         "15",
			wantOK:       true,
		},
		{
			name:         "unrelated coefficient changes the average",
			grades:       []ScoredGrade{scored("math", 1, "16"), scored("french", 1, "14")},
			coefficients: map[string]int{"math": 1, "french": 3},
			want:         "14.5",
			wantOK:       true,
		},
		{
			name:   "rounds half up",
			grades: []ScoredGrade{scored("math", 1, "10.005")},
			want:   "10.01",
			wantOK: true,
		},
		{
			name:   "rounds down below half",
			grades: []ScoredGrade{scored("math", 1, "10"), scored("math", 1, "10"), scored("math", 1, "10.01")},
			want:   "10",
			wantOK: true,
		},
		{
			name:   "repeating fraction",
			grades: []ScoredGrade{scored("math", 1, "10"), scored("math", 1, "10"), scored("math", 1, "11")},
			want:   "10.33",
			wantOK: true,
		},
		{
			// per-subject means over the whole year, not the mean of period averages (which would be 15)
			name: "annual groups by subject across periods",
			grades: []ScoredGrade{
				scored("math", 1, "10"),
				scored("math", 2, "20"), scored("math", 2, "20"), scored("math", 2, "20"),
				scored("french", 1, "10"),
			},
			coefficients: map[string]int{"math": 1, "french": 1},
			want:         "13.75",
			wantOK:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := WeightedAverage(tt.grades, tt.coefficients)
			if ok != tt.wantOK {
				t.Errorf("WeightedAverage() ok = %v, want %v", ok, tt.wantOK)
			}
			if want := decimal.RequireFromString(tt.want); !got.Equal(want) {
				t.Errorf("WeightedAverage() = %s, want %s", got, want)
			}
		})
	}
}

func TestWeightedAverage_orderIndependent(t *testing.T) {
	grades := []ScoredGrade{scored("a", 1, "13.37"), scored("b", 1, "9.5"), scored("c", 1, "17.25"), scored("a", 1, "11")}
	coefs := map[string]int{"a": 2, "b": 5, "c": 3}
	want, _ := WeightedAverage(grades, coefs)

	reversed := make([]ScoredGrade, len(grades))
	for i, g := range grades {
		reversed[len(grades)-1-i] = g
	}
	if got, _ := WeightedAverage(reversed, coefs); !got.Equal(want) {
		t.Errorf("WeightedAverage(reversed) = %s, want %s", got, want)
	}
}
