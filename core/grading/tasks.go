package grading

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

// Task kinds
const (
	TaskAverage = "reportcard.average"
	TaskRanks   = "reportcard.ranks"
)

func newTask(kind, key string, payload interface{}) (core.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.Task{}, errors.Wrapf(err, "encoding %s payload", kind)
	}
	return core.Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Key:        kind + ":" + key,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func NewAverageTask(scope Scope) (core.Task, error) {
	return newTask(TaskAverage, scope.key(), scope)
}

func NewRanksTask(rs RankingScope) (core.Task, error) {
	return newTask(TaskRanks, rs.key(), rs)
}

func decodePayload(task core.Task, dst interface{}) error {
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		// a payload we cannot read will not become readable on retry
		return core.NewPermanentError(errors.Wrapf(err, "decoding %s payload", task.Kind))
	}
	return nil
}

// Handlers returns the queue handlers of the grading tasks, keyed by Task.Kind.
func (svc *Service) Handlers() map[string]core.TaskHandler {
	return map[string]core.TaskHandler{
		TaskAverage: svc.handleAverage,
		TaskRanks:   svc.handleRanks,
	}
}

func (svc *Service) handleAverage(ctx context.Context, task core.Task) error {
	var scope Scope
	if err := decodePayload(task, &scope); err != nil {
		return err
	}
	card, ok, err := svc.ComputeAverage(ctx, scope)
	if err != nil {
		return errors.Wrapf(err, "computing average of %s", scope)
	}
	if ok {
		svc.logger.Debug("average computed", scope, map[string]interface{}{"average": card.Average.StringFixed(AveragePlaces)})
	}
	return nil
}

func (svc *Service) handleRanks(ctx context.Context, task core.Task) error {
	var rs RankingScope
	if err := decodePayload(task, &rs); err != nil {
		return err
	}
	if err := svc.ComputeRanks(ctx, rs); err != nil {
		return errors.Wrapf(err, "computing ranks of %s", rs)
	}
	return nil
}

// RunTask executes a grading task synchronously. Used to replay dead letters.
func (svc *Service) RunTask(ctx context.Context, task core.Task) error {
	h, ok := svc.Handlers()[task.Kind]
	if !ok {
		return core.NewPermanentError(errors.Errorf("unknown task kind %q", task.Kind))
	}
	return h(ctx, task)
}
