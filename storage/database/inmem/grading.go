package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
)

type gradingRepository struct {
	db *DB
}

var _ grading.Repository = (*gradingRepository)(nil) // interface compliance check

func NewGradingRepository(db *DB) grading.Repository {
	return &gradingRepository{db: db}
}

func (repo *gradingRepository) CreateAssignment(_ context.Context, a grading.Assignment) (grading.Assignment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	repo.db.assignments[a.ID] = a
	return a, nil
}

func (repo *gradingRepository) GetAssignment(_ context.Context, id string) (grading.Assignment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if a, ok := repo.db.assignments[id]; ok {
		return a, nil
	}
	return grading.Assignment{}, grading.ErrAssignmentNotFound
}

func (repo *gradingRepository) CreateGrade(_ context.Context, g grading.Grade) (grading.Grade, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.assignments[g.AssignmentID]; !ok {
		return grading.Grade{}, grading.ErrAssignmentNotFound
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	repo.db.grades[g.ID] = g
	return g, nil
}

func (repo *gradingRepository) GetGrade(_ context.Context, id string) (grading.Grade, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if g, ok := repo.db.grades[id]; ok {
		return g, nil
	}
	return grading.Grade{}, grading.ErrGradeNotFound
}

func (repo *gradingRepository) UpdateGrade(_ context.Context, g grading.Grade) (grading.Grade, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.grades[g.ID]; !ok {
		return grading.Grade{}, grading.ErrGradeNotFound
	}
	if _, ok := repo.db.assignments[g.AssignmentID]; !ok {
		return grading.Grade{}, grading.ErrAssignmentNotFound
	}
	repo.db.grades[g.ID] = g
	return g, nil
}

func (repo *gradingRepository) DeleteGrade(_ context.Context, id string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	delete(repo.db.grades, id)
	return nil
}

// gradeScope must be called with the lock held.
func (repo *gradingRepository) gradeScope(g grading.Grade) (grading.Assignment, grading.Scope, bool) {
	a, ok := repo.db.assignments[g.AssignmentID]
	if !ok {
		return grading.Assignment{}, grading.Scope{}, false
	}
	return a, grading.Scope{
		StudentID:    g.StudentID,
		SchoolYearID: a.SchoolYearID,
		SectionID:    a.SectionID,
		Period:       a.Period,
	}, true
}

func (repo *gradingRepository) ListScopeGrades(_ context.Context, scope grading.Scope) ([]grading.ScoredGrade, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	grades := make([]grading.ScoredGrade, 0)
	for _, g := range repo.db.grades {
		a, s, ok := repo.gradeScope(g)
		if !ok || s.StudentID != scope.StudentID || s.SchoolYearID != scope.SchoolYearID || s.SectionID != scope.SectionID {
			continue
		}
		if scope.Period != grading.Annual && a.Period != scope.Period {
			continue
		}
		grades = append(grades, grading.ScoredGrade{
			GradeID:   g.ID,
			SubjectID: a.SubjectID,
			Period:    a.Period,
			Score:     g.Score,
		})
	}
	sort.Slice(grades, func(i, j int) bool { return grades[i].GradeID < grades[j].GradeID })
	return grades, nil
}

func (repo *gradingRepository) ListGradedPeriods(_ context.Context, studentID, schoolYearID, sectionID string) ([]grading.Period, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	seen := make(map[grading.Period]bool)
	periods := make([]grading.Period, 0)
	for _, g := range repo.db.grades {
		_, s, ok := repo.gradeScope(g)
		if !ok || s.StudentID != studentID || s.SchoolYearID != schoolYearID || s.SectionID != sectionID {
			continue
		}
		if s.Period != grading.Annual && !seen[s.Period] {
			seen[s.Period] = true
			periods = append(periods, s.Period)
		}
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	return periods, nil
}

func (repo *gradingRepository) ListGradedScopes(_ context.Context, filter grading.RecalcFilter) ([]grading.Scope, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	seen := make(map[grading.Scope]bool)
	scopes := make([]grading.Scope, 0)
	for _, g := range repo.db.grades {
		_, s, ok := repo.gradeScope(g)
		if !ok {
			continue
		}
		if filter.SchoolYearID != "" && s.SchoolYearID != filter.SchoolYearID {
			continue
		}
		if filter.SectionID != "" && s.SectionID != filter.SectionID {
			continue
		}
		if filter.Period != nil && *filter.Period != grading.Annual && s.Period != *filter.Period {
			continue
		}
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	sort.Slice(scopes, func(i, j int) bool { return scopeLess(scopes[i], scopes[j]) })
	return scopes, nil
}

func (repo *gradingRepository) SetSubjectCoefficient(_ context.Context, c grading.SubjectCoefficient) error {
	if err := c.Validate(); err != nil {
		return err
	}

	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.coefficients[coefficientKey{c.SectionID, c.SubjectID, c.SchoolYearID}] = c.Coefficient
	return nil
}

func (repo *gradingRepository) ListSubjectCoefficients(_ context.Context, schoolYearID, sectionID string) (map[string]int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	coefs := make(map[string]int)
	for k, c := range repo.db.coefficients {
		if k.schoolYearID == schoolYearID && k.sectionID == sectionID {
			coefs[k.subjectID] = c
		}
	}
	return coefs, nil
}

func (repo *gradingRepository) SetPeriodSystem(_ context.Context, ps grading.PeriodSystem) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.periodSystems[ps.SchoolYearID] = ps
	return nil
}

func (repo *gradingRepository) GetPeriodSystem(_ context.Context, schoolYearID string) (grading.PeriodSystem, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if ps, ok := repo.db.periodSystems[schoolYearID]; ok {
		return ps, nil
	}
	return grading.PeriodSystem{}, grading.ErrPeriodSystemNotFound
}

func (repo *gradingRepository) UpsertReportCardAverage(_ context.Context, card grading.ReportCard) (grading.ReportCard, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	key := card.Scope()
	if existing, ok := repo.db.reportCards[key]; ok {
		existing.Average = card.Average
		existing.GeneratedAt = card.GeneratedAt
		repo.db.reportCards[key] = existing
		return existing, nil
	}
	card.ID = uuid.New().String()
	card.Rank = nil
	repo.db.reportCards[key] = card
	return card, nil
}

func (repo *gradingRepository) GetReportCard(_ context.Context, scope grading.Scope) (grading.ReportCard, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if card, ok := repo.db.reportCards[scope]; ok {
		return copyCard(card), nil
	}
	return grading.ReportCard{}, grading.ErrReportCardNotFound
}

func (repo *gradingRepository) ListReportCards(_ context.Context, filter grading.ReportCardFilter, ordering ...core.DBOrdering) ([]grading.ReportCard, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	cards := make([]grading.ReportCard, 0)
	for _, card := range repo.db.reportCards {
		if filter.StudentID != "" && card.StudentID != filter.StudentID {
			continue
		}
		if filter.SchoolYearID != "" && card.SchoolYearID != filter.SchoolYearID {
			continue
		}
		if filter.SectionID != "" && card.SectionID != filter.SectionID {
			continue
		}
		if filter.Period != nil && card.Period != *filter.Period {
			continue
		}
		cards = append(cards, copyCard(card))
	}
	sortCards(cards, ordering)
	return cards, nil
}

func (repo *gradingRepository) UpdateReportCardRanks(_ context.Context, ranks []grading.RankUpdate) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	byID := make(map[string]int, len(ranks))
	for _, r := range ranks {
		byID[r.ReportCardID] = r.Rank
	}
	for key, card := range repo.db.reportCards {
		if rank, ok := byID[card.ID]; ok {
			rank := rank
			card.Rank = &rank
			repo.db.reportCards[key] = card
		}
	}
	return nil
}

func copyCard(card grading.ReportCard) grading.ReportCard {
	if card.Rank != nil {
		rank := *card.Rank
		card.Rank = &rank
	}
	return card
}

func scopeLess(a, b grading.Scope) bool {
	switch {
	case a.SchoolYearID != b.SchoolYearID:
		return a.SchoolYearID < b.SchoolYearID
	case a.SectionID != b.SectionID:
		return a.SectionID < b.SectionID
	case a.StudentID != b.StudentID:
		return a.StudentID < b.StudentID
	default:
		return a.Period < b.Period
	}
}

// compareField compares a & b on one column; ok is false for columns this store does not know.
func compareField(a, b grading.ReportCard, field string) (cmp int, ok bool) {
	strCmp := func(x, y string) int {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	switch field {
	case "student_id":
		return strCmp(a.StudentID, b.StudentID), true
	case "school_year_id":
		return strCmp(a.SchoolYearID, b.SchoolYearID), true
	case "section_id":
		return strCmp(a.SectionID, b.SectionID), true
	case "period":
		return int(a.Period) - int(b.Period), true
	case "average":
		return a.Average.Cmp(b.Average), true
	case "generated_at":
		switch {
		case a.GeneratedAt.Before(b.GeneratedAt):
			return -1, true
		case a.GeneratedAt.After(b.GeneratedAt):
			return 1, true
		}
		return 0, true
	case "rank":
		// unranked cards sort last, like NULLs in an ascending SQL ordering
		switch {
		case a.Rank == nil && b.Rank == nil:
			return 0, true
		case a.Rank == nil:
			return 1, true
		case b.Rank == nil:
			return -1, true
		}
		return *a.Rank - *b.Rank, true
	}
	return 0, false
}

func sortCards(cards []grading.ReportCard, ordering []core.DBOrdering) {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "average"}, {Field: "student_id", Ascending: true}}
	}
	sort.SliceStable(cards, func(i, j int) bool {
		for _, ord := range ordering {
			c, ok := compareField(cards[i], cards[j], ord.Field)
			if !ok || c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}
