package sqlxrepos_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	. "github.com/trezcool/bulletin/storage/database/sqlx"
	"github.com/trezcool/bulletin/tests"
)

func setup(t *testing.T) grading.Repository {
	return NewGradingRepository(testutil.PrepareDB(t))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func scope(student string, period grading.Period) grading.Scope {
	return grading.Scope{StudentID: student, SchoolYearID: "y1", SectionID: "sec1", Period: period}
}

func upsert(t *testing.T, repo grading.Repository, s grading.Scope, avg string) grading.ReportCard {
	t.Helper()
	card, err := repo.UpsertReportCardAverage(context.Background(), grading.ReportCard{
		StudentID:    s.StudentID,
		SchoolYearID: s.SchoolYearID,
		SectionID:    s.SectionID,
		Period:       s.Period,
		Average:      dec(avg),
		GeneratedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return card
}

func TestGradingRepository_upsertKeepsRank(t *testing.T) {
	repo := setup(t)
	ctx := context.Background()

	first := upsert(t, repo, scope("s1", 1), "12")
	assert.Nil(t, first.Rank)
	require.NoError(t, repo.UpdateReportCardRanks(ctx, []grading.RankUpdate{{ReportCardID: first.ID, StudentID: "s1", Rank: 3}}))

	second := upsert(t, repo, scope("s1", 1), "14.25")
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Average.Equal(dec("14.25")))
	require.NotNil(t, second.Rank)
	assert.Equal(t, 3, *second.Rank)

	// annual is its own row
	annual := upsert(t, repo, scope("s1", grading.Annual), "13")
	assert.NotEqual(t, first.ID, annual.ID)

	period := grading.Period(1)
	cards, err := repo.ListReportCards(ctx, grading.ReportCardFilter{StudentID: "s1", Period: &period})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.True(t, cards[0].Average.Equal(dec("14.25")))
}

func TestGradingRepository_annualOnlyAssignment(t *testing.T) {
	repo := setup(t)
	ctx := context.Background()
	p1 := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", 1)
	exam := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", grading.Annual)
	testutil.CreateGrade(t, repo, "s1", p1.ID, "12")
	testutil.CreateGrade(t, repo, "s1", exam.ID, "8")

	stored, err := repo.GetAssignment(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, grading.Annual, stored.Period)

	annual, err := repo.ListScopeGrades(ctx, scope("s1", grading.Annual))
	require.NoError(t, err)
	require.Len(t, annual, 2)

	p1Grades, err := repo.ListScopeGrades(ctx, scope("s1", 1))
	require.NoError(t, err)
	require.Len(t, p1Grades, 1)
	assert.Equal(t, grading.Period(1), p1Grades[0].Period)

	periods, err := repo.ListGradedPeriods(ctx, "s1", "y1", "sec1")
	require.NoError(t, err)
	assert.Equal(t, []grading.Period{1}, periods)
}

func TestGradingRepository_ListGradedScopes(t *testing.T) {
	repo := setup(t)
	ctx := context.Background()
	y1p1 := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", 1)
	y1p1b := testutil.CreateAssignment(t, repo, "french", "sec1", "y1", 1)
	y1p2 := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", 2)
	y1ex := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", grading.Annual)
	y1s2 := testutil.CreateAssignment(t, repo, "math", "sec2", "y1", 1)
	y2p1 := testutil.CreateAssignment(t, repo, "math", "sec1", "y2", 1)
	testutil.CreateGrade(t, repo, "s1", y1p1.ID, "12")
	testutil.CreateGrade(t, repo, "s1", y1p1.ID, "14") // retake
	testutil.CreateGrade(t, repo, "s1", y1p1b.ID, "10")
	testutil.CreateGrade(t, repo, "s1", y1p2.ID, "12")
	testutil.CreateGrade(t, repo, "s2", y1ex.ID, "12")
	testutil.CreateGrade(t, repo, "s3", y1s2.ID, "12")
	testutil.CreateGrade(t, repo, "s1", y2p1.ID, "12")

	one, two := grading.Period(1), grading.Period(2)
	tests := []struct {
		name   string
		filter grading.RecalcFilter
		want   []grading.Scope
	}{
		{
			name:   "everything, distinct & ordered",
			filter: grading.RecalcFilter{},
			want: []grading.Scope{
				{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1},
				{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 2},
				{StudentID: "s2", SchoolYearID: "y1", SectionID: "sec1", Period: grading.Annual},
				{StudentID: "s3", SchoolYearID: "y1", SectionID: "sec2", Period: 1},
				{StudentID: "s1", SchoolYearID: "y2", SectionID: "sec1", Period: 1},
			},
		},
		{
			name:   "school year & section",
			filter: grading.RecalcFilter{SchoolYearID: "y1", SectionID: "sec1"},
			want: []grading.Scope{
				{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1},
				{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 2},
				{StudentID: "s2", SchoolYearID: "y1", SectionID: "sec1", Period: grading.Annual},
			},
		},
		{
			name:   "period",
			filter: grading.RecalcFilter{SchoolYearID: "y1", Period: &one},
			want: []grading.Scope{
				{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1},
				{StudentID: "s3", SchoolYearID: "y1", SectionID: "sec2", Period: 1},
			},
		},
		{
			name:   "nothing graded",
			filter: grading.RecalcFilter{SchoolYearID: "y2", Period: &two},
			want:   []grading.Scope{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListGradedScopes(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGradingRepository_UpdateReportCardRanks(t *testing.T) {
	repo := setup(t)
	ctx := context.Background()
	s1 := upsert(t, repo, scope("s1", 1), "12")
	s2 := upsert(t, repo, scope("s2", 1), "17")

	require.NoError(t, repo.UpdateReportCardRanks(ctx, []grading.RankUpdate{
		{ReportCardID: s2.ID, StudentID: "s2", Rank: 1},
		{ReportCardID: s1.ID, StudentID: "s1", Rank: 2},
		{ReportCardID: "gone", StudentID: "s9", Rank: 3}, // deleted meanwhile: ignored
	}))

	// a failing update rolls the whole run back
	err := repo.UpdateReportCardRanks(ctx, []grading.RankUpdate{
		{ReportCardID: s2.ID, StudentID: "s2", Rank: 2},
		{ReportCardID: s1.ID, StudentID: "s1", Rank: 0}, // violates rank > 0
	})
	require.Error(t, err)
	assert.False(t, core.IsTransient(err))

	for id, want := range map[string]int{"s1": 2, "s2": 1} {
		card, err := repo.GetReportCard(ctx, scope(id, 1))
		require.NoError(t, err)
		require.NotNil(t, card.Rank)
		assert.Equal(t, want, *card.Rank, id)
	}

	_, err = repo.GetReportCard(ctx, scope("s9", 1))
	assert.Equal(t, grading.ErrReportCardNotFound, errors.Cause(err))
}

func TestGradingRepository_SetSubjectCoefficient(t *testing.T) {
	repo := setup(t)
	ctx := context.Background()

	testutil.SetCoefficient(t, repo, "sec1", "math", "y1", 4)
	testutil.SetCoefficient(t, repo, "sec1", "math", "y1", 5) // overwrite
	err := repo.SetSubjectCoefficient(ctx, grading.SubjectCoefficient{SectionID: "sec1", SubjectID: "french", SchoolYearID: "y1", Coefficient: 0})
	assert.True(t, core.IsValidationError(err))

	coefs, err := repo.ListSubjectCoefficients(ctx, "y1", "sec1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"math": 5}, coefs)
}
