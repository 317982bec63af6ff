package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
)

type (
	assignmentRow struct {
		ID           string    `db:"id"`
		SubjectID    string    `db:"subject_id"`
		SectionID    string    `db:"section_id"`
		SchoolYearID string    `db:"school_year_id"`
		Period       null.Int  `db:"period"`
		MaxScore     float64   `db:"max_score"`
		DueDate      null.Time `db:"due_date"`
	}

	gradeRow struct {
		ID           string          `db:"id"`
		StudentID    string          `db:"student_id"`
		AssignmentID string          `db:"assignment_id"`
		Score        decimal.Decimal `db:"score"`
		GradedAt     time.Time       `db:"graded_at"`
	}

	scoredGradeRow struct {
		GradeID   string          `db:"grade_id"`
		SubjectID string          `db:"subject_id"`
		Period    int             `db:"period"`
		Score     decimal.Decimal `db:"score"`
	}

	scopeRow struct {
		StudentID    string `db:"student_id"`
		SchoolYearID string `db:"school_year_id"`
		SectionID    string `db:"section_id"`
		Period       int    `db:"period"`
	}

	reportCardRow struct {
		ID           string          `db:"id"`
		StudentID    string          `db:"student_id"`
		SchoolYearID string          `db:"school_year_id"`
		SectionID    string          `db:"section_id"`
		Period       int             `db:"period"`
		Average      decimal.Decimal `db:"average"`
		Rank         null.Int        `db:"rank"`
		GeneratedAt  time.Time       `db:"generated_at"`
	}
)

var (
	assignmentColumns = []string{"id", "subject_id", "section_id", "school_year_id", "period", "max_score", "due_date"}
	gradeColumns      = []string{"id", "student_id", "assignment_id", "score", "graded_at"}
	reportCardColumns = []string{"id", "student_id", "school_year_id", "section_id", "period", "average", "rank", "generated_at"}

	// report card orderings callers may request
	reportCardOrderings = map[string]string{
		"student_id":     "student_id",
		"school_year_id": "school_year_id",
		"section_id":     "section_id",
		"period":         "period",
		"average":        "average",
		"rank":           "rank",
		"generated_at":   "generated_at",
	}
)

func (r assignmentRow) unwrap() grading.Assignment {
	a := grading.Assignment{
		ID:           r.ID,
		SubjectID:    r.SubjectID,
		SectionID:    r.SectionID,
		SchoolYearID: r.SchoolYearID,
		MaxScore:     r.MaxScore,
		DueDate:      r.DueDate.Time,
	}
	if r.Period.Valid {
		a.Period = grading.Period(r.Period.Int)
	}
	return a
}

func (r gradeRow) unwrap() grading.Grade {
	return grading.Grade{
		ID:           r.ID,
		StudentID:    r.StudentID,
		AssignmentID: r.AssignmentID,
		Score:        r.Score,
		GradedAt:     r.GradedAt.UTC(),
	}
}

func (r reportCardRow) unwrap() grading.ReportCard {
	return grading.ReportCard{
		ID:           r.ID,
		StudentID:    r.StudentID,
		SchoolYearID: r.SchoolYearID,
		SectionID:    r.SectionID,
		Period:       grading.Period(r.Period),
		Average:      r.Average,
		Rank:         r.Rank.Ptr(),
		GeneratedAt:  r.GeneratedAt.UTC(),
	}
}

type gradingRepository struct {
	db *sqlx.DB
}

var _ grading.Repository = (*gradingRepository)(nil) // interface compliance check

func NewGradingRepository(db *sqlx.DB) grading.Repository {
	return &gradingRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to notFound
func (repo *gradingRepository) trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return wrapErr(err, msg)
}

func (repo *gradingRepository) get(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return sqlx.GetContext(ctx, repo.db, dest, query, args...)
}

func (repo *gradingRepository) selectAll(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return sqlx.SelectContext(ctx, repo.db, dest, query, args...)
}

func (repo *gradingRepository) exec(ctx context.Context, exec core.DBExecutor, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "building query")
	}
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (repo *gradingRepository) CreateAssignment(ctx context.Context, a grading.Assignment) (grading.Assignment, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := repo.exec(ctx, repo.db, psql.Insert("assignments").
		Columns(assignmentColumns...).
		Values(
			a.ID, a.SubjectID, a.SectionID, a.SchoolYearID,
			null.NewInt(int(a.Period), a.Period != grading.Annual),
			a.MaxScore,
			null.NewTime(a.DueDate.UTC(), !a.DueDate.IsZero()),
		))
	if err != nil {
		return grading.Assignment{}, wrapErr(err, "inserting assignment")
	}
	return a, nil
}

func (repo *gradingRepository) GetAssignment(ctx context.Context, id string) (grading.Assignment, error) {
	var row assignmentRow
	err := repo.get(ctx, &row, psql.Select(assignmentColumns...).From("assignments").Where(sq.Eq{"id": id}))
	if err != nil {
		return grading.Assignment{}, repo.trapNoRowsErr(err, grading.ErrAssignmentNotFound, "getting assignment")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) CreateGrade(ctx context.Context, g grading.Grade) (grading.Grade, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.GradedAt = g.GradedAt.UTC()
	_, err := repo.exec(ctx, repo.db, psql.Insert("grades").
		Columns(gradeColumns...).
		Values(g.ID, g.StudentID, g.AssignmentID, g.Score, g.GradedAt))
	if err != nil {
		return grading.Grade{}, wrapErr(err, "inserting grade")
	}
	return g, nil
}

func (repo *gradingRepository) GetGrade(ctx context.Context, id string) (grading.Grade, error) {
	var row gradeRow
	err := repo.get(ctx, &row, psql.Select(gradeColumns...).From("grades").Where(sq.Eq{"id": id}))
	if err != nil {
		return grading.Grade{}, repo.trapNoRowsErr(err, grading.ErrGradeNotFound, "getting grade")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) UpdateGrade(ctx context.Context, g grading.Grade) (grading.Grade, error) {
	g.GradedAt = g.GradedAt.UTC()
	cnt, err := repo.exec(ctx, repo.db, psql.Update("grades").
		Set("assignment_id", g.AssignmentID).
		Set("score", g.Score).
		Set("graded_at", g.GradedAt).
		Where(sq.Eq{"id": g.ID}))
	if err != nil {
		return grading.Grade{}, wrapErr(err, "updating grade")
	}
	if cnt == 0 {
		return grading.Grade{}, grading.ErrGradeNotFound
	}
	return g, nil
}

func (repo *gradingRepository) DeleteGrade(ctx context.Context, id string) error {
	_, err := repo.exec(ctx, repo.db, psql.Delete("grades").Where(sq.Eq{"id": id}))
	return wrapErr(err, "deleting grade")
}

// scopedGrades selects the student's grades joined with their assignments.
func scopedGrades(columns ...string) sq.SelectBuilder {
	return psql.Select(columns...).
		From("grades g").
		Join("assignments a ON a.id = g.assignment_id")
}

func (repo *gradingRepository) ListScopeGrades(ctx context.Context, scope grading.Scope) ([]grading.ScoredGrade, error) {
	b := scopedGrades("g.id AS grade_id", "a.subject_id", "COALESCE(a.period, 0) AS period", "g.score").
		Where(sq.Eq{
			"g.student_id":     scope.StudentID,
			"a.school_year_id": scope.SchoolYearID,
			"a.section_id":     scope.SectionID,
		}).
		OrderBy("g.id")
	if scope.Period != grading.Annual {
		b = b.Where(sq.Eq{"a.period": int(scope.Period)})
	}

	rows := make([]scoredGradeRow, 0)
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, wrapErr(err, "listing scope grades")
	}
	grades := make([]grading.ScoredGrade, 0, len(rows))
	for _, r := range rows {
		grades = append(grades, grading.ScoredGrade{
			GradeID:   r.GradeID,
			SubjectID: r.SubjectID,
			Period:    grading.Period(r.Period),
			Score:     r.Score,
		})
	}
	return grades, nil
}

func (repo *gradingRepository) ListGradedPeriods(ctx context.Context, studentID, schoolYearID, sectionID string) ([]grading.Period, error) {
	b := scopedGrades("DISTINCT a.period").
		Where(sq.Eq{
			"g.student_id":     studentID,
			"a.school_year_id": schoolYearID,
			"a.section_id":     sectionID,
		}).
		Where(sq.NotEq{"a.period": nil}).
		OrderBy("a.period")

	nums := make([]int, 0)
	if err := repo.selectAll(ctx, &nums, b); err != nil {
		return nil, wrapErr(err, "listing graded periods")
	}
	periods := make([]grading.Period, 0, len(nums))
	for _, n := range nums {
		periods = append(periods, grading.Period(n))
	}
	return periods, nil
}

func (repo *gradingRepository) ListGradedScopes(ctx context.Context, filter grading.RecalcFilter) ([]grading.Scope, error) {
	b := scopedGrades("DISTINCT g.student_id", "a.school_year_id", "a.section_id", "COALESCE(a.period, 0) AS period").
		OrderBy("a.school_year_id", "a.section_id", "g.student_id", "period")
	if filter.SchoolYearID != "" {
		b = b.Where(sq.Eq{"a.school_year_id": filter.SchoolYearID})
	}
	if filter.SectionID != "" {
		b = b.Where(sq.Eq{"a.section_id": filter.SectionID})
	}
	if filter.Period != nil && *filter.Period != grading.Annual {
		b = b.Where(sq.Eq{"a.period": int(*filter.Period)})
	}

	rows := make([]scopeRow, 0)
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, wrapErr(err, "listing graded scopes")
	}
	scopes := make([]grading.Scope, 0, len(rows))
	for _, r := range rows {
		scopes = append(scopes, grading.Scope{
			StudentID:    r.StudentID,
			SchoolYearID: r.SchoolYearID,
			SectionID:    r.SectionID,
			Period:       grading.Period(r.Period),
		})
	}
	return scopes, nil
}

func (repo *gradingRepository) SetSubjectCoefficient(ctx context.Context, c grading.SubjectCoefficient) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := repo.exec(ctx, repo.db, psql.Insert("subject_coefficients").
		Columns("section_id", "subject_id", "school_year_id", "coefficient").
		Values(c.SectionID, c.SubjectID, c.SchoolYearID, c.Coefficient).
		Suffix("ON CONFLICT (section_id, subject_id, school_year_id) DO UPDATE SET coefficient = EXCLUDED.coefficient"))
	return wrapErr(err, "setting subject coefficient")
}

func (repo *gradingRepository) ListSubjectCoefficients(ctx context.Context, schoolYearID, sectionID string) (map[string]int, error) {
	rows := make([]struct {
		SubjectID   string `db:"subject_id"`
		Coefficient int    `db:"coefficient"`
	}, 0)
	err := repo.selectAll(ctx, &rows, psql.Select("subject_id", "coefficient").
		From("subject_coefficients").
		Where(sq.Eq{"school_year_id": schoolYearID, "section_id": sectionID}))
	if err != nil {
		return nil, wrapErr(err, "listing subject coefficients")
	}
	coefs := make(map[string]int, len(rows))
	for _, r := range rows {
		coefs[r.SubjectID] = r.Coefficient
	}
	return coefs, nil
}

func (repo *gradingRepository) SetPeriodSystem(ctx context.Context, ps grading.PeriodSystem) error {
	_, err := repo.exec(ctx, repo.db, psql.Insert("period_systems").
		Columns("school_year_id", "kind", "count").
		Values(ps.SchoolYearID, ps.Kind, ps.Count).
		Suffix("ON CONFLICT (school_year_id) DO UPDATE SET kind = EXCLUDED.kind, count = EXCLUDED.count"))
	return wrapErr(err, "setting period system")
}

func (repo *gradingRepository) GetPeriodSystem(ctx context.Context, schoolYearID string) (grading.PeriodSystem, error) {
	var row struct {
		SchoolYearID string `db:"school_year_id"`
		Kind         string `db:"kind"`
		Count        int    `db:"count"`
	}
	err := repo.get(ctx, &row, psql.Select("school_year_id", "kind", "count").
		From("period_systems").
		Where(sq.Eq{"school_year_id": schoolYearID}))
	if err != nil {
		return grading.PeriodSystem{}, repo.trapNoRowsErr(err, grading.ErrPeriodSystemNotFound, "getting period system")
	}
	return grading.PeriodSystem{SchoolYearID: row.SchoolYearID, Kind: row.Kind, Count: row.Count}, nil
}

// UpsertReportCardAverage relies on report_cards_scope_key: concurrent computations of one scope
// converge on a single row, and the rank column is left alone.
func (repo *gradingRepository) UpsertReportCardAverage(ctx context.Context, card grading.ReportCard) (grading.ReportCard, error) {
	var row reportCardRow
	err := repo.get(ctx, &row, psql.Insert("report_cards").
		Columns("id", "student_id", "school_year_id", "section_id", "period", "average", "generated_at").
		Values(
			uuid.New().String(), card.StudentID, card.SchoolYearID, card.SectionID,
			int(card.Period), card.Average, card.GeneratedAt.UTC(),
		).
		Suffix("ON CONFLICT ON CONSTRAINT report_cards_scope_key DO UPDATE SET average = EXCLUDED.average, generated_at = EXCLUDED.generated_at").
		Suffix("RETURNING id, student_id, school_year_id, section_id, period, average, rank, generated_at"))
	if err != nil {
		return grading.ReportCard{}, wrapErr(err, "upserting report card")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) GetReportCard(ctx context.Context, scope grading.Scope) (grading.ReportCard, error) {
	var row reportCardRow
	err := repo.get(ctx, &row, psql.Select(reportCardColumns...).
		From("report_cards").
		Where(sq.Eq{
			"student_id":     scope.StudentID,
			"school_year_id": scope.SchoolYearID,
			"section_id":     scope.SectionID,
			"period":         int(scope.Period),
		}))
	if err != nil {
		return grading.ReportCard{}, repo.trapNoRowsErr(err, grading.ErrReportCardNotFound, "getting report card")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) ListReportCards(ctx context.Context, filter grading.ReportCardFilter, ordering ...core.DBOrdering) ([]grading.ReportCard, error) {
	b := psql.Select(reportCardColumns...).From("report_cards")
	if filter.StudentID != "" {
		b = b.Where(sq.Eq{"student_id": filter.StudentID})
	}
	if filter.SchoolYearID != "" {
		b = b.Where(sq.Eq{"school_year_id": filter.SchoolYearID})
	}
	if filter.SectionID != "" {
		b = b.Where(sq.Eq{"section_id": filter.SectionID})
	}
	if filter.Period != nil {
		b = b.Where(sq.Eq{"period": int(*filter.Period)})
	}
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "average"}, {Field: "student_id", Ascending: true}}
	}
	b = b.OrderBy(orderBy(ordering, reportCardOrderings)...)

	rows := make([]reportCardRow, 0)
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, wrapErr(err, "listing report cards")
	}
	cards := make([]grading.ReportCard, 0, len(rows))
	for _, r := range rows {
		cards = append(cards, r.unwrap())
	}
	return cards, nil
}

// UpdateReportCardRanks writes every rank in one transaction so readers never see a half-ranked scope.
func (repo *gradingRepository) UpdateReportCardRanks(ctx context.Context, ranks []grading.RankUpdate) (err error) {
	if len(ranks) == 0 {
		return nil
	}
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err, "beginning transaction")
	}
	defer func() { err = finish(tx, err) }()

	for _, r := range ranks {
		if _, err = repo.exec(ctx, tx, psql.Update("report_cards").
			Set("rank", r.Rank).
			Where(sq.Eq{"id": r.ReportCardID})); err != nil {
			return wrapErr(err, "updating rank")
		}
	}
	return nil
}
