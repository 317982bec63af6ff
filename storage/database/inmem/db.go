package inmemdb

import (
	"sync"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
)

type (
	coefficientKey struct {
		sectionID, subjectID, schoolYearID string
	}

	// DB is a process-local store for tests & local development.
	// A single lock guards every table so multi-table operations stay atomic.
	DB struct {
		mutex sync.RWMutex

		assignments   map[string]grading.Assignment
		grades        map[string]grading.Grade
		coefficients  map[coefficientKey]int
		periodSystems map[string]grading.PeriodSystem
		reportCards   map[grading.Scope]grading.ReportCard // keyed by scope: one card per scope
		deadLetters   []core.DeadLetter
	}
)

func Open() (*DB, error) {
	db := &DB{
		assignments:   make(map[string]grading.Assignment),
		grades:        make(map[string]grading.Grade),
		coefficients:  make(map[coefficientKey]int),
		periodSystems: make(map[string]grading.PeriodSystem),
		reportCards:   make(map[grading.Scope]grading.ReportCard),
	}
	return db, nil
}
