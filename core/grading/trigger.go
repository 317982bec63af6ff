package grading

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

// Trigger turns grade mutations and operator requests into average tasks.
// It only enqueues; the work happens on the queue's workers.
type Trigger struct {
	repo   Repository
	queue  core.TaskQueue
	logger core.Logger
}

func NewTrigger(repo Repository, queue core.TaskQueue, logger core.Logger) *Trigger {
	return &Trigger{repo: repo, queue: queue, logger: logger}
}

// GradeChanged schedules an average for every graded period of the student in the grade's
// (school year, section), plus the Annual one. It returns the number of scheduled tasks.
func (tr *Trigger) GradeChanged(ctx context.Context, ev GradeEvent) (int, error) {
	assignmentIDs := []string{ev.AssignmentID}
	if ev.PreviousAssignmentID != "" && ev.PreviousAssignmentID != ev.AssignmentID {
		assignmentIDs = append(assignmentIDs, ev.PreviousAssignmentID)
	}

	seen := make(map[Scope]bool)
	scopes := make([]Scope, 0)
	for _, id := range assignmentIDs {
		a, err := tr.repo.GetAssignment(ctx, id)
		if err != nil {
			return 0, errors.Wrapf(err, "getting assignment %s", id)
		}
		base := Scope{StudentID: ev.StudentID, SchoolYearID: a.SchoolYearID, SectionID: a.SectionID, Period: Annual}
		if seen[base] {
			continue
		}

		periods, err := tr.repo.ListGradedPeriods(ctx, ev.StudentID, a.SchoolYearID, a.SectionID)
		if err != nil {
			return 0, errors.Wrap(err, "listing graded periods")
		}
		for _, p := range periods {
			if p == Annual {
				continue
			}
			scopes = append(scopes, base.WithPeriod(p))
		}
		scopes = append(scopes, base)
		seen[base] = true
	}

	if err := tr.schedule(ctx, scopes); err != nil {
		return 0, err
	}
	tr.logger.Debug("grade change scheduled", map[string]interface{}{
		"event":      ev.Type,
		"grade_id":   ev.GradeID,
		"student_id": ev.StudentID,
		"tasks":      len(scopes),
	})
	return len(scopes), nil
}

// Recalculate schedules an average for every (student, school year, section, period) with grades matching
// filter, plus each one's Annual counterpart. Every task is idempotent, so a partial run can simply be repeated.
func (tr *Trigger) Recalculate(ctx context.Context, filter RecalcFilter) (int, error) {
	filter.Clean()
	if err := core.ValidateStruct(filter); err != nil {
		return 0, err
	}

	graded, err := tr.repo.ListGradedScopes(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "listing graded scopes")
	}

	annualOnly := filter.Period != nil && *filter.Period == Annual
	seen := make(map[Scope]bool, len(graded)*2)
	scopes := make([]Scope, 0, len(graded)*2)
	add := func(s Scope) {
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	for _, s := range graded {
		if s.Period != Annual && !annualOnly && (filter.Period == nil || *filter.Period == s.Period) {
			add(s)
		}
		add(s.WithPeriod(Annual))
	}

	if err = tr.schedule(ctx, scopes); err != nil {
		return 0, err
	}
	tr.logger.Info("recalculation scheduled", map[string]interface{}{
		"school_year_id": filter.SchoolYearID,
		"section_id":     filter.SectionID,
		"period":         periodField(filter.Period),
		"tasks":          len(scopes),
	})
	return len(scopes), nil
}

func (tr *Trigger) schedule(ctx context.Context, scopes []Scope) error {
	// numbered periods first so the annual figure is never the only fresh one for long
	sort.SliceStable(scopes, func(i, j int) bool {
		if scopes[i].Period == Annual || scopes[j].Period == Annual {
			return scopes[j].Period == Annual && scopes[i].Period != Annual
		}
		return false
	})

	tasks := make([]core.Task, 0, len(scopes))
	for _, s := range scopes {
		task, err := NewAverageTask(s)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil
	}
	if err := tr.queue.Enqueue(ctx, tasks...); err != nil {
		return errors.Wrap(err, "enqueueing average tasks")
	}
	return nil
}

func periodField(p *Period) string {
	if p == nil {
		return "*"
	}
	return p.String()
}
