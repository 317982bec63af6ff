package testutil

import (
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	"github.com/trezcool/bulletin/services/logger"
	"github.com/trezcool/bulletin/storage/database"
)

// NewConfig returns a TEST config with a fast queue.
func NewConfig() *core.Config {
	return &core.Config{
		Env:      "TEST",
		TestMode: true,
		AppName:  "Bulletin",
		Queue: core.QueueConfig{
			Lane:           "reportcards",
			Workers:        4,
			Buffer:         1024,
			TaskTimeout:    2 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
}

// NewLogger returns a logger that reports nowhere.
func NewLogger() core.Logger {
	return logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), NewConfig())
}

// PrepareDB opens the TEST database, migrates it & empties every table.
// The test is skipped when no database is reachable (set TEST_DATABASE_HOST & co. to run it).
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if os.Getenv("TEST_DATABASE_HOST") == "" {
		t.Skip("TEST_DATABASE_HOST not set")
	}

	_ = os.Setenv("ENV", "TEST")
	conf := core.NewConfig()
	if err := database.CreateIfNotExist(conf); err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	db, err := database.OpenX(conf)
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db.DB); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	if _, err = db.Exec("TRUNCATE report_cards, grades, assignments, subject_coefficients, period_systems, task_failures"); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	return db
}

func CreateAssignment(t *testing.T, repo grading.Repository, subjectID, sectionID, schoolYearID string, period grading.Period) grading.Assignment {
	t.Helper()
	a, err := repo.CreateAssignment(context.Background(), grading.Assignment{
		SubjectID:    subjectID,
		SectionID:    sectionID,
		SchoolYearID: schoolYearID,
		Period:       period,
		MaxScore:     20,
	})
	if err != nil {
		t.Fatalf("CreateAssignment() failed: %v", err)
	}
	return a
}

func CreateGrade(t *testing.T, repo grading.Repository, studentID, assignmentID, score string) grading.Grade {
	t.Helper()
	g, err := repo.CreateGrade(context.Background(), grading.Grade{
		StudentID:    studentID,
		AssignmentID: assignmentID,
		Score:        decimal.RequireFromString(score),
		GradedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrade() failed: %v", err)
	}
	return g
}

func SetCoefficient(t *testing.T, repo grading.Repository, sectionID, subjectID, schoolYearID string, coef int) {
	t.Helper()
	err := repo.SetSubjectCoefficient(context.Background(), grading.SubjectCoefficient{
		SectionID:    sectionID,
		SubjectID:    subjectID,
		SchoolYearID: schoolYearID,
		Coefficient:  coef,
	})
	if err != nil {
		t.Fatalf("SetCoefficient() failed: %v", err)
	}
}
