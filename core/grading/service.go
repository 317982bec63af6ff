package grading

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

var (
	// errors
	ErrAssignmentNotFound   = errors.New("assignment not found")
	ErrGradeNotFound        = errors.New("grade not found")
	ErrReportCardNotFound   = errors.New("report card not found")
	ErrPeriodSystemNotFound = errors.New("period system not found")
	ErrInvalidPeriod        = errors.New("invalid period")
	ErrNegativeScore        = errors.New("score must not be negative")
	ErrScoreTooHigh         = errors.New("score must not exceed 99999.99")
	ErrScorePrecision       = errors.New("score must have at most 2 decimal places")
	ErrInvalidCoefficient   = errors.New("coefficient must be positive")
)

type (
	Repository interface {
		// Grade store
		CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
		GetAssignment(ctx context.Context, id string) (Assignment, error)
		CreateGrade(ctx context.Context, g Grade) (Grade, error)
		GetGrade(ctx context.Context, id string) (Grade, error)
		UpdateGrade(ctx context.Context, g Grade) (Grade, error)
		DeleteGrade(ctx context.Context, id string) error
		// ListScopeGrades returns the student's grades within the school year and section.
		// A numbered Scope.Period keeps only assignments of that period; Annual keeps every grade.
		ListScopeGrades(ctx context.Context, scope Scope) ([]ScoredGrade, error)
		// ListGradedPeriods returns the distinct numbered periods holding at least one grade of the student.
		ListGradedPeriods(ctx context.Context, studentID, schoolYearID, sectionID string) ([]Period, error)
		// ListGradedScopes returns every distinct (student, school year, section, assignment period) holding a grade.
		// Assignments without a period are reported as Annual.
		// A numbered filter Period restricts the result to that period; an Annual or nil one does not.
		ListGradedScopes(ctx context.Context, filter RecalcFilter) ([]Scope, error)

		// Reference data
		SetSubjectCoefficient(ctx context.Context, c SubjectCoefficient) error
		// ListSubjectCoefficients returns {subjectID: coefficient} for the section & school year.
		ListSubjectCoefficients(ctx context.Context, schoolYearID, sectionID string) (map[string]int, error)
		SetPeriodSystem(ctx context.Context, ps PeriodSystem) error
		GetPeriodSystem(ctx context.Context, schoolYearID string) (PeriodSystem, error)

		// Report cards
		// UpsertReportCardAverage inserts or overwrites the average & generation time of the card with the same Scope.
		// It never modifies the rank.
		UpsertReportCardAverage(ctx context.Context, card ReportCard) (ReportCard, error)
		GetReportCard(ctx context.Context, scope Scope) (ReportCard, error)
		ListReportCards(ctx context.Context, filter ReportCardFilter, ordering ...core.DBOrdering) ([]ReportCard, error)
		// UpdateReportCardRanks writes all ranks atomically. Unknown ReportCard IDs are ignored.
		UpdateReportCardRanks(ctx context.Context, ranks []RankUpdate) error
	}

	// Service runs the average & ranking engines.
	Service struct {
		repo    Repository
		queue   core.TaskQueue
		logger  core.Logger
		nowFunc func() time.Time
	}
)

func NewService(repo Repository, queue core.TaskQueue, logger core.Logger) *Service {
	return &Service{
		repo:    repo,
		queue:   queue,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (svc *Service) checkPeriod(ctx context.Context, schoolYearID string, period Period) error {
	if period == Annual {
		return nil
	}
	ps, err := svc.repo.GetPeriodSystem(ctx, schoolYearID)
	if err != nil {
		if pkgerrors.Cause(err) == ErrPeriodSystemNotFound {
			return nil // unconfigured school years accept any numbered period
		}
		return pkgerrors.Wrap(err, "getting period system")
	}
	if !ps.Valid(period) {
		return core.NewValidationError(
			pkgerrors.Wrapf(ErrInvalidPeriod, "%s has %d %s periods", schoolYearID, ps.Count, ps.Kind),
			core.FieldError{Field: "period", Error: ErrInvalidPeriod.Error()},
		)
	}
	return nil
}

// ComputeAverage recomputes and stores the weighted average of one Scope, then schedules the ranking of its
// (school year, section, period). ok is false, and nothing is written, when the Scope has no grades.
// It depends only on current grades & coefficients, so running it again yields the same average.
func (svc *Service) ComputeAverage(ctx context.Context, scope Scope) (card ReportCard, ok bool, err error) {
	if err = core.ValidateStruct(scope); err != nil {
		return ReportCard{}, false, err
	}
	if err = svc.checkPeriod(ctx, scope.SchoolYearID, scope.Period); err != nil {
		return ReportCard{}, false, err
	}

	grades, err := svc.repo.ListScopeGrades(ctx, scope)
	if err != nil {
		return ReportCard{}, false, pkgerrors.Wrap(err, "listing scope grades")
	}
	if len(grades) == 0 {
		svc.logger.Debug("no grades, skipping average", scope)
		return ReportCard{}, false, nil
	}

	coefficients, err := svc.repo.ListSubjectCoefficients(ctx, scope.SchoolYearID, scope.SectionID)
	if err != nil {
		return ReportCard{}, false, pkgerrors.Wrap(err, "listing subject coefficients")
	}
	avg, _ := WeightedAverage(grades, coefficients)

	card, err = svc.repo.UpsertReportCardAverage(ctx, ReportCard{
		StudentID:    scope.StudentID,
		SchoolYearID: scope.SchoolYearID,
		SectionID:    scope.SectionID,
		Period:       scope.Period,
		Average:      avg,
		GeneratedAt:  svc.nowFunc().UTC(),
	})
	if err != nil {
		return ReportCard{}, false, pkgerrors.Wrap(err, "upserting report card")
	}

	// the upsert has committed: ranking may now read it
	if err = svc.scheduleRanking(ctx, scope.RankingScope()); err != nil {
		return card, true, err
	}
	return card, true, nil
}

func (svc *Service) scheduleRanking(ctx context.Context, rs RankingScope) error {
	task, err := NewRanksTask(rs)
	if err != nil {
		return err
	}
	if err = svc.queue.Enqueue(ctx, task); err != nil {
		return pkgerrors.Wrapf(err, "scheduling ranking of %s", rs)
	}
	return nil
}

// ComputeRanks rewrites the rank of every ReportCard in rs. An empty scope is a no-op.
func (svc *Service) ComputeRanks(ctx context.Context, rs RankingScope) error {
	if err := core.ValidateStruct(rs); err != nil {
		return err
	}

	period := rs.Period
	cards, err := svc.repo.ListReportCards(ctx, ReportCardFilter{
		SchoolYearID: rs.SchoolYearID,
		SectionID:    rs.SectionID,
		Period:       &period,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "listing report cards")
	}
	if len(cards) == 0 {
		return nil
	}

	if err = svc.repo.UpdateReportCardRanks(ctx, AssignRanks(cards)); err != nil {
		return pkgerrors.Wrap(err, "updating ranks")
	}
	return nil
}

func (svc *Service) GetReportCard(ctx context.Context, scope Scope) (ReportCard, error) {
	if err := core.ValidateStruct(scope); err != nil {
		return ReportCard{}, err
	}
	return svc.repo.GetReportCard(ctx, scope)
}

// defaultReportCardOrdering lists report cards scope by scope, best ranked first.
var defaultReportCardOrdering = []core.DBOrdering{
	{Field: "school_year_id", Ascending: true},
	{Field: "section_id", Ascending: true},
	{Field: "period", Ascending: true},
	{Field: "rank", Ascending: true},
	{Field: "student_id", Ascending: true},
}

// QueryReportCards lists report cards matching filter, scope by scope & best ranked first unless ordering is given.
func (svc *Service) QueryReportCards(ctx context.Context, filter ReportCardFilter, ordering ...core.DBOrdering) ([]ReportCard, error) {
	filter.Clean()
	if err := core.ValidateStruct(filter); err != nil {
		return nil, err
	}
	if len(ordering) == 0 {
		ordering = defaultReportCardOrdering
	}
	return svc.repo.ListReportCards(ctx, filter, ordering...)
}
