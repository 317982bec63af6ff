package grading

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

// GradeService records grade mutations and publishes a GradeEvent for each one once it is persisted.
type GradeService struct {
	repo    Repository
	trigger *Trigger
	logger  core.Logger
	nowFunc func() time.Time
}

func NewGradeService(repo Repository, trigger *Trigger, logger core.Logger) *GradeService {
	return &GradeService{
		repo:    repo,
		trigger: trigger,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (svc *GradeService) checkAssignment(ctx context.Context, id string) error {
	if _, err := svc.repo.GetAssignment(ctx, id); err != nil {
		if errors.Cause(err) == ErrAssignmentNotFound {
			return core.NewValidationError(err, core.FieldError{Field: "assignment_id", Error: err.Error()})
		}
		return err
	}
	return nil
}

// publish never fails the mutation: the grade is already stored, and a later recalculation catches up.
func (svc *GradeService) publish(ctx context.Context, ev GradeEvent) {
	ev.OccurredAt = svc.nowFunc().UTC()
	if _, err := svc.trigger.GradeChanged(ctx, ev); err != nil {
		svc.logger.Error("publishing grade event", errors.Wrapf(err, "%s grade %s", ev.Type, ev.GradeID), map[string]interface{}{
			"grade_id":      ev.GradeID,
			"student_id":    ev.StudentID,
			"assignment_id": ev.AssignmentID,
		})
	}
}

func (svc *GradeService) Create(ctx context.Context, ng NewGrade) (Grade, error) {
	if err := ng.Validate(); err != nil {
		return Grade{}, err
	}
	if err := svc.checkAssignment(ctx, ng.AssignmentID); err != nil {
		return Grade{}, err
	}

	gradedAt := ng.GradedAt.UTC()
	if ng.GradedAt.IsZero() {
		gradedAt = svc.nowFunc().UTC()
	}
	grd, err := svc.repo.CreateGrade(ctx, Grade{
		StudentID:    ng.StudentID,
		AssignmentID: ng.AssignmentID,
		Score:        ng.Score,
		GradedAt:     gradedAt,
	})
	if err != nil {
		return Grade{}, errors.Wrap(err, "creating grade")
	}

	svc.publish(ctx, GradeEvent{
		Type:         GradeCreated,
		GradeID:      grd.ID,
		StudentID:    grd.StudentID,
		AssignmentID: grd.AssignmentID,
	})
	return grd, nil
}

func (svc *GradeService) Get(ctx context.Context, id string) (Grade, error) {
	return svc.repo.GetGrade(ctx, core.CleanString(id))
}

// Update corrects a grade. Moving it to another assignment recomputes both the old and the new scope.
func (svc *GradeService) Update(ctx context.Context, id string, ug UpdateGrade) (Grade, error) {
	if err := ug.Validate(); err != nil {
		return Grade{}, err
	}
	orig, err := svc.repo.GetGrade(ctx, core.CleanString(id))
	if err != nil {
		return Grade{}, err
	}

	grd := orig
	if ug.AssignmentID != "" && ug.AssignmentID != orig.AssignmentID {
		if err = svc.checkAssignment(ctx, ug.AssignmentID); err != nil {
			return Grade{}, err
		}
		grd.AssignmentID = ug.AssignmentID
	}
	if ug.Score != nil {
		grd.Score = *ug.Score
	}
	if !ug.GradedAt.IsZero() {
		grd.GradedAt = ug.GradedAt.UTC()
	}

	if grd, err = svc.repo.UpdateGrade(ctx, grd); err != nil {
		return Grade{}, errors.Wrap(err, "updating grade")
	}

	ev := GradeEvent{
		Type:         GradeUpdated,
		GradeID:      grd.ID,
		StudentID:    grd.StudentID,
		AssignmentID: grd.AssignmentID,
	}
	if orig.AssignmentID != grd.AssignmentID {
		ev.PreviousAssignmentID = orig.AssignmentID
	}
	svc.publish(ctx, ev)
	return grd, nil
}

func (svc *GradeService) Delete(ctx context.Context, id string) error {
	grd, err := svc.repo.GetGrade(ctx, core.CleanString(id))
	if err != nil {
		return err
	}
	if err = svc.repo.DeleteGrade(ctx, grd.ID); err != nil {
		return errors.Wrap(err, "deleting grade")
	}

	svc.publish(ctx, GradeEvent{
		Type:         GradeDeleted,
		GradeID:      grd.ID,
		StudentID:    grd.StudentID,
		AssignmentID: grd.AssignmentID,
	})
	return nil
}
