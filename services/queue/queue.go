package queuesvc

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/bulletin/core"
)

var (
	// errors
	ErrClosed         = errors.New("queue closed")
	ErrFull           = errors.New("queue full")
	ErrNotStarted     = errors.New("queue not started")
	ErrAlreadyStarted = errors.New("queue already started")
)

// Queue is an in-process TaskQueue backed by a pool of workers.
// Pending tasks sharing a Key are coalesced: a Key is accepted again as soon as a worker picks it up,
// so a change made while a task runs is never lost. Tasks sharing a Key never run concurrently.
type Queue struct {
	conf        core.QueueConfig
	logger      core.Logger
	deadLetters core.DeadLetterStore
	mailer      core.EmailService
	operators   []mail.Address
	nowFunc     func() time.Time

	mu       sync.Mutex
	handlers map[string]core.TaskHandler
	pending  []core.Task
	keys     map[string]bool // keys of pending tasks
	active   map[string]bool // keys of running tasks
	running  int
	idle     chan struct{} // closed while nothing is pending nor running
	closed   bool

	signal chan struct{}
	group  *errgroup.Group
	cancel context.CancelFunc
}

var _ core.TaskQueue = (*Queue)(nil) // interface compliance check

// workerKey marks the context of a running task with the queue running it.
type workerKey struct{}

// fromWorker reports whether ctx belongs to a task run by q.
func (q *Queue) fromWorker(ctx context.Context) bool {
	owner, _ := ctx.Value(workerKey{}).(*Queue)
	return owner == q
}

func NewQueue(conf *core.Config, logger core.Logger, deadLetters core.DeadLetterStore, mailer core.EmailService) *Queue {
	qc := conf.Queue
	if qc.Lane == "" {
		qc.Lane = "reportcards"
	}
	if qc.Workers < 1 {
		qc.Workers = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		conf:        qc,
		logger:      logger,
		deadLetters: deadLetters,
		mailer:      mailer,
		operators:   conf.Email.OperatorEmails,
		nowFunc:     time.Now,
		handlers:    make(map[string]core.TaskHandler),
		keys:        make(map[string]bool),
		active:      make(map[string]bool),
		idle:        idle,
		signal:      make(chan struct{}, 1),
	}
}

func (q *Queue) Lane() string {
	return q.conf.Lane
}

// Register sets the handler of a task kind, replacing any previous one.
func (q *Queue) Register(kind string, h core.TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) RegisterAll(handlers map[string]core.TaskHandler) {
	for kind, h := range handlers {
		q.Register(kind, h)
	}
}

func (q *Queue) handler(kind string) (core.TaskHandler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handlers[kind]
	return h, ok
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// busy must be called with the lock held, before the queue gains work.
func (q *Queue) busy() {
	if len(q.pending) == 0 && q.running == 0 {
		q.idle = make(chan struct{})
	}
}

// settle must be called with the lock held, after the queue lost work.
func (q *Queue) settle() {
	if len(q.pending) == 0 && q.running == 0 {
		close(q.idle)
	}
}

// Enqueue appends tasks to the lane. Tasks whose Key is already pending are dropped.
// Once Stop was called only the follow-ups of running tasks are accepted, so they drain too.
func (q *Queue) Enqueue(ctx context.Context, tasks ...core.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed && !q.fromWorker(ctx) {
		return ErrClosed
	}

	var added int
	for _, task := range tasks {
		if task.Key != "" && q.keys[task.Key] {
			continue
		}
		if q.conf.Buffer > 0 && len(q.pending) >= q.conf.Buffer {
			if added > 0 {
				q.notify()
			}
			return core.NewTransientError(errors.Wrapf(ErrFull, "lane %s holds %d tasks", q.conf.Lane, len(q.pending)))
		}
		if task.EnqueuedAt.IsZero() {
			task.EnqueuedAt = q.nowFunc().UTC()
		}
		q.busy()
		q.pending = append(q.pending, task)
		if task.Key != "" {
			q.keys[task.Key] = true
		}
		added++
	}
	if added > 0 {
		q.notify()
	}
	return nil
}

// Pending returns the number of tasks waiting for a worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// next blocks until a task is available. ok is false once the queue is stopped and drained:
// nothing pending and nothing running that could still enqueue a follow-up.
// A task whose Key is running waits for that run to finish, later tasks may overtake it.
func (q *Queue) next(ctx context.Context) (task core.Task, ok bool) {
	for {
		if ctx.Err() != nil {
			return core.Task{}, false
		}
		q.mu.Lock()
		for i, t := range q.pending {
			if t.Key != "" && q.active[t.Key] {
				continue
			}
			task = t
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(q.keys, task.Key)
			if task.Key != "" {
				q.active[task.Key] = true
			}
			q.running++
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return task, true
		}
		drained := q.closed && len(q.pending) == 0 && q.running == 0
		q.mu.Unlock()
		if drained {
			q.notify() // wake the next idle worker so it exits too
			return core.Task{}, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return core.Task{}, false
		}
	}
}

func (q *Queue) release(task core.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, task.Key)
	q.running--
	q.settle()
	if len(q.pending) > 0 || q.closed {
		q.notify()
	}
}

// Start launches the workers. They run until Stop is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.group != nil {
		return ErrAlreadyStarted
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.conf.Workers; i++ {
		q.group.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	q.logger.Info(fmt.Sprintf("queue %s started with %d workers", q.conf.Lane, q.conf.Workers))
	return nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		task, ok := q.next(ctx)
		if !ok {
			return
		}
		q.process(ctx, task)
		q.release(task)
	}
}

// WaitIdle blocks until no task is pending or running, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
			// work may have been enqueued between the close & our wake up
			q.mu.Lock()
			settled := len(q.pending) == 0 && q.running == 0
			q.mu.Unlock()
			if settled {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop refuses new tasks and lets the workers drain the pending ones.
// When ctx expires first, in-flight tasks are cancelled and the remaining ones abandoned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.group == nil {
		q.mu.Unlock()
		return ErrNotStarted
	}
	q.closed = true
	group := q.group
	q.mu.Unlock()
	q.notify()

	finished := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.cancel()
		q.logger.Info(fmt.Sprintf("queue %s stopped", q.conf.Lane))
		return nil
	case <-ctx.Done():
		q.cancel()
		<-finished
		abandoned := q.Pending()
		q.logger.Warn(fmt.Sprintf("queue %s stopped before draining", q.conf.Lane), map[string]interface{}{"abandoned": abandoned})
		return errors.Wrapf(ctx.Err(), "stopping queue %s", q.conf.Lane)
	}
}

func (q *Queue) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if q.conf.InitialBackoff > 0 {
		b.InitialInterval = q.conf.InitialBackoff
	}
	if q.conf.MaxBackoff > 0 {
		b.MaxInterval = q.conf.MaxBackoff
	}
	b.MaxElapsedTime = 0 // bounded by MaxRetries
	b.Reset()

	var bo backoff.BackOff = b
	if q.conf.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(q.conf.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// attempt runs h once within the task timeout.
func (q *Queue) attempt(ctx context.Context, h core.TaskHandler, task core.Task) (err error) {
	if q.conf.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.conf.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, task)
}

// process runs task with retries; a task that cannot succeed ends up in the dead-letter store.
func (q *Queue) process(ctx context.Context, task core.Task) {
	start := q.nowFunc()
	ctx = context.WithValue(ctx, workerKey{}, q)
	h, ok := q.handler(task.Kind)
	if !ok {
		q.bury(ctx, task, 0, core.NewPermanentError(errors.Errorf("no handler for task kind %q", task.Kind)))
		return
	}

	var attempts int
	op := func() error {
		attempts++
		err := q.attempt(ctx, h, task)
		if err != nil && core.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.logger.Warn(fmt.Sprintf("task failed, retrying in %s", wait), err, task, map[string]interface{}{"attempt": attempts})
	}

	err := backoff.RetryNotify(op, q.newBackOff(ctx), notify)
	switch {
	case err == nil:
		q.logger.Debug("task done", task, map[string]interface{}{
			"attempts": attempts,
			"duration": q.nowFunc().Sub(start).String(),
		})
	case ctx.Err() != nil:
		// shutting down: the task will be rescheduled by the next trigger or recalculation
		q.logger.Warn("task abandoned", err, task)
	default:
		q.bury(ctx, task, attempts, err)
	}
}

func (q *Queue) bury(ctx context.Context, task core.Task, attempts int, cause error) {
	dl := core.DeadLetter{
		ID:       task.ID,
		Lane:     q.conf.Lane,
		Kind:     task.Kind,
		Key:      task.Key,
		Payload:  task.Payload,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: q.nowFunc().UTC(),
	}
	q.logger.Error("task failed permanently", cause, task, map[string]interface{}{"attempts": attempts})

	if q.deadLetters != nil {
		if err := q.deadLetters.SaveDeadLetter(ctx, dl); err != nil {
			q.logger.Error("saving dead letter", errors.Wrap(err, "saving dead letter"), task)
		}
	}
	if q.mailer != nil && len(q.operators) > 0 {
		q.mailer.SendMessages(alertMessage(dl, q.operators))
	}
}

func alertMessage(dl core.DeadLetter, to []mail.Address) *core.EmailMessage {
	return &core.EmailMessage{
		To:      to,
		Subject: fmt.Sprintf("%s task failed: %s", dl.Lane, dl.Kind),
		BodyStr: fmt.Sprintf(
			"Task %s (%s) failed after %d attempt(s) at %s.\n\nKey: %s\nError: %s\nPayload: %s\n",
			dl.ID, dl.Kind, dl.Attempts, dl.FailedAt.Format(time.RFC3339), dl.Key, dl.Error, dl.Payload,
		),
	}
}
