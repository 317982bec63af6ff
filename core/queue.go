package core

import (
	"context"
	"time"
)

type (
	// Task is one unit of background work. Payload is opaque to the queue.
	Task struct {
		ID         string
		Kind       string
		Key        string // pending tasks sharing a Key are coalesced
		Payload    []byte
		EnqueuedAt time.Time
	}

	// TaskHandler runs a Task. It must be idempotent: a failed Task is retried as a whole.
	TaskHandler func(ctx context.Context, task Task) error

	// TaskQueue is any service that accepts Tasks for asynchronous execution.
	TaskQueue interface {
		// Lane is the stable name of the queue, used to monitor or throttle its workload.
		Lane() string
		// Enqueue schedules tasks and returns without waiting for them to run.
		Enqueue(ctx context.Context, tasks ...Task) error
	}

	// DeadLetter records a Task that failed permanently.
	DeadLetter struct {
		ID       string    `json:"id"`
		Lane     string    `json:"lane"`
		Kind     string    `json:"kind"`
		Key      string    `json:"key"`
		Payload  []byte    `json:"payload"`
		Error    string    `json:"error"`
		Attempts int       `json:"attempts"`
		FailedAt time.Time `json:"failed_at"` // UTC
	}

	DeadLetterStore interface {
		SaveDeadLetter(ctx context.Context, dl DeadLetter) error
		ListDeadLetters(ctx context.Context, lane string) ([]DeadLetter, error)
		DeleteDeadLetters(ctx context.Context, ids ...string) error
	}
)

func (t Task) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"task_id":   t.ID,
		"task_kind": t.Kind,
		"task_key":  t.Key,
	}
}

func (dl DeadLetter) Task() Task {
	return Task{
		ID:      dl.ID,
		Kind:    dl.Kind,
		Key:     dl.Key,
		Payload: dl.Payload,
	}
}
