package grading

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/bulletin/core"
)

// Period is a numbered period (trimester or semester) of a school year, or Annual.
type Period int

// Annual is the sentinel for the full school year. It never collides with a numbered period (those start at 1).
const Annual Period = 0

func (p Period) IsAnnual() bool { return p == Annual }

func (p Period) String() string {
	if p == Annual {
		return "annual"
	}
	return strconv.Itoa(int(p))
}

// ParsePeriod accepts "annual" (or "0") and positive period numbers.
func ParsePeriod(s string) (Period, error) {
	s = core.CleanString(s, true /* lower */)
	if s == "annual" || s == "0" {
		return Annual, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalidPeriod, "parsing %q", s)
	}
	return Period(n), nil
}

// UnmarshalJSON accepts period numbers as well as their string form ("annual", "2").
func (p *Period) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Period systems
const (
	Trimester = "trimester"
	Semester  = "semester"
)

// PeriodSystem declares how a school year divides into periods.
type PeriodSystem struct {
	SchoolYearID string `json:"school_year_id" validate:"required,ident"`
	Kind         string `json:"kind" validate:"required,oneof=trimester semester"`
	Count        int    `json:"count" validate:"required,min=1,max=12"`
}

// Valid reports whether p may be used within this school year.
func (ps PeriodSystem) Valid(p Period) bool {
	return p == Annual || (p >= 1 && int(p) <= ps.Count)
}

// Assignment is an evaluable event. A zero Period means the assignment is not period-scoped:
// its grades only count towards the Annual average.
type Assignment struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id" validate:"required,ident"`
	SectionID    string    `json:"section_id" validate:"required,ident"`
	SchoolYearID string    `json:"school_year_id" validate:"required,ident"`
	Period       Period    `json:"period" validate:"min=0"`
	MaxScore     float64   `json:"max_score" validate:"gte=0"`
	DueDate      time.Time `json:"due_date"` // UTC
}

// Grade is the score of one student on one assignment. Retakes are separate Grades.
type Grade struct {
	ID           string          `json:"id"`
	StudentID    string          `json:"student_id"`
	AssignmentID string          `json:"assignment_id"`
	Score        decimal.Decimal `json:"score"`
	GradedAt     time.Time       `json:"graded_at"` // UTC
}

// ScoredGrade is a Grade joined with the parts of its Assignment the average needs.
type ScoredGrade struct {
	GradeID   string
	SubjectID string
	Period    Period
	Score     decimal.Decimal
}

type SubjectCoefficient struct {
	SectionID    string `json:"section_id" validate:"required,ident"`
	SubjectID    string `json:"subject_id" validate:"required,ident"`
	SchoolYearID string `json:"school_year_id" validate:"required,ident"`
	Coefficient  int    `json:"coefficient" validate:"required,min=1"`
}

// Scope identifies one report card: (student, school year, section, period).
type Scope struct {
	StudentID    string `json:"student_id" validate:"required,ident"`
	SchoolYearID string `json:"school_year_id" validate:"required,ident"`
	SectionID    string `json:"section_id" validate:"required,ident"`
	Period       Period `json:"period" validate:"min=0"`
}

func (s Scope) String() string {
	return fmt.Sprintf("student=%s year=%s section=%s period=%s", s.StudentID, s.SchoolYearID, s.SectionID, s.Period)
}

func (s Scope) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"student_id":     s.StudentID,
		"school_year_id": s.SchoolYearID,
		"section_id":     s.SectionID,
		"period":         s.Period.String(),
	}
}

func (s Scope) RankingScope() RankingScope {
	return RankingScope{SchoolYearID: s.SchoolYearID, SectionID: s.SectionID, Period: s.Period}
}

func (s Scope) WithPeriod(p Period) Scope {
	s.Period = p
	return s
}

func (s Scope) key() string {
	return strings.Join([]string{s.StudentID, s.SchoolYearID, s.SectionID, s.Period.String()}, ":")
}

// RankingScope identifies the set of report cards ranked against each other.
type RankingScope struct {
	SchoolYearID string `json:"school_year_id" validate:"required,ident"`
	SectionID    string `json:"section_id" validate:"required,ident"`
	Period       Period `json:"period" validate:"min=0"`
}

func (rs RankingScope) String() string {
	return fmt.Sprintf("year=%s section=%s period=%s", rs.SchoolYearID, rs.SectionID, rs.Period)
}

func (rs RankingScope) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"school_year_id": rs.SchoolYearID,
		"section_id":     rs.SectionID,
		"period":         rs.Period.String(),
	}
}

func (rs RankingScope) key() string {
	return strings.Join([]string{rs.SchoolYearID, rs.SectionID, rs.Period.String()}, ":")
}

// ReportCard is the persisted result of the average computation, later annotated with a rank.
// At most one ReportCard exists per Scope.
type ReportCard struct {
	ID           string          `json:"id"`
	StudentID    string          `json:"student_id"`
	SchoolYearID string          `json:"school_year_id"`
	SectionID    string          `json:"section_id"`
	Period       Period          `json:"period"`
	Average      decimal.Decimal `json:"average"`
	Rank         *int            `json:"rank"`         // nil until ranked
	GeneratedAt  time.Time       `json:"generated_at"` // UTC
}

func (rc ReportCard) Scope() Scope {
	return Scope{
		StudentID:    rc.StudentID,
		SchoolYearID: rc.SchoolYearID,
		SectionID:    rc.SectionID,
		Period:       rc.Period,
	}
}

// RankUpdate sets the rank of an existing ReportCard.
type RankUpdate struct {
	ReportCardID string
	StudentID    string
	Rank         int
}

type ReportCardFilter struct {
	StudentID    string  `json:"student_id" validate:"omitempty,ident"`
	SchoolYearID string  `json:"school_year_id" validate:"omitempty,ident"`
	SectionID    string  `json:"section_id" validate:"omitempty,ident"`
	Period       *Period `json:"period" validate:"omitempty,min=0"`
}

func (f *ReportCardFilter) Clean() {
	f.StudentID = core.CleanString(f.StudentID)
	f.SchoolYearID = core.CleanString(f.SchoolYearID)
	f.SectionID = core.CleanString(f.SectionID)
}

// RecalcFilter narrows an operator-driven recalculation. Empty fields match everything.
type RecalcFilter struct {
	SchoolYearID string  `json:"school_year_id" validate:"omitempty,ident"`
	SectionID    string  `json:"section_id" validate:"omitempty,ident"`
	Period       *Period `json:"period" validate:"omitempty,min=0"`
}

func (f *RecalcFilter) Clean() {
	f.SchoolYearID = core.CleanString(f.SchoolYearID)
	f.SectionID = core.CleanString(f.SectionID)
}

func (f RecalcFilter) IsEmpty() bool {
	return f.SchoolYearID == "" && f.SectionID == "" && f.Period == nil
}

// NewGrade contains information needed to record a Grade.
type NewGrade struct {
	StudentID    string          `json:"student_id" validate:"required,ident"`
	AssignmentID string          `json:"assignment_id" validate:"required,ident"`
	Score        decimal.Decimal `json:"score"`
	GradedAt     time.Time       `json:"graded_at"`
}

func (ng *NewGrade) Validate() error {
	ng.StudentID = core.CleanString(ng.StudentID)
	ng.AssignmentID = core.CleanString(ng.AssignmentID)
	if err := core.ValidateStruct(ng); err != nil {
		return err
	}
	return validateScore(ng.Score)
}

// UpdateGrade defines what may be corrected on an existing Grade. Zero values keep the original.
type UpdateGrade struct {
	AssignmentID string           `json:"assignment_id" validate:"omitempty,ident"`
	Score        *decimal.Decimal `json:"score"`
	GradedAt     time.Time        `json:"graded_at"`
}

func (ug *UpdateGrade) Validate() error {
	ug.AssignmentID = core.CleanString(ug.AssignmentID)
	if err := core.ValidateStruct(ug); err != nil {
		return err
	}
	if ug.Score != nil {
		return validateScore(*ug.Score)
	}
	return nil
}

// ScorePlaces is the fixed-point precision of stored scores.
const ScorePlaces = 2

// maxScore is the largest score a NUMERIC(7,2) column holds.
var maxScore = decimal.New(9999999, -ScorePlaces)

func validateScore(score decimal.Decimal) error {
	var err error
	switch {
	case score.IsNegative():
		err = ErrNegativeScore
	case score.GreaterThan(maxScore):
		err = ErrScoreTooHigh
	case !score.Equal(score.Truncate(ScorePlaces)):
		err = ErrScorePrecision
	default:
		return nil
	}
	return core.NewValidationError(err, core.FieldError{Field: "score", Error: err.Error()})
}

// Validate rejects coefficients the store would refuse. Lookups still fall back to DefaultCoefficient.
func (c SubjectCoefficient) Validate() error {
	if c.Coefficient < 1 {
		return core.NewValidationError(ErrInvalidCoefficient, core.FieldError{Field: "coefficient", Error: ErrInvalidCoefficient.Error()})
	}
	return core.ValidateStruct(c)
}

// Grade event types
const (
	GradeCreated = "created"
	GradeUpdated = "updated"
	GradeDeleted = "deleted"
)

// GradeEvent is published after a grade mutation was persisted.
type GradeEvent struct {
	Type                 string
	GradeID              string
	StudentID            string
	AssignmentID         string
	PreviousAssignmentID string // set on updates that moved the grade to another assignment
	OccurredAt           time.Time
}
