package queuesvc

import (
	"context"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	"github.com/trezcool/bulletin/services/email"
	"github.com/trezcool/bulletin/storage/database/inmem"
	"github.com/trezcool/bulletin/tests"
)

type fixture struct {
	queue       *Queue
	deadLetters core.DeadLetterStore
	mailer      *emailsvc.ConsoleServiceMock
}

func setup(t *testing.T, tweak ...func(*core.Config)) fixture {
	conf := testutil.NewConfig()
	conf.Email.OperatorEmails = []mail.Address{{Address: "ops@test.cd"}}
	for _, fn := range tweak {
		fn(conf)
	}

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	f := fixture{
		deadLetters: inmemdb.NewDeadLetterRepository(db),
		mailer:      emailsvc.NewConsoleServiceMock(conf),
	}
	f.queue = NewQueue(conf, testutil.NewLogger(), f.deadLetters, f.mailer)
	return f
}

func (f fixture) run(t *testing.T, tasks ...core.Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Enqueue(ctx, tasks...))
	require.NoError(t, f.queue.WaitIdle(ctx))
	require.NoError(t, f.queue.Stop(ctx))
}

func (f fixture) listDeadLetters(t *testing.T) []core.DeadLetter {
	t.Helper()
	dls, err := f.deadLetters.ListDeadLetters(context.Background(), "reportcards")
	require.NoError(t, err)
	return dls
}

func TestQueue_retries(t *testing.T) {
	failure := errors.New("connection reset")

	tests := []struct {
		name         string
		failures     int32 // attempts failing before success; -1: always
		err          error
		wantAttempts int32
		wantDead     bool
	}{
		{name: "first attempt", failures: 0, wantAttempts: 1},
		{name: "recovers after retries", failures: 2, err: failure, wantAttempts: 3},
		{name: "retries exhausted", failures: -1, err: failure, wantAttempts: 4, wantDead: true},
		{name: "permanent error", failures: -1, err: core.NewPermanentError(failure), wantAttempts: 1, wantDead: true},
		{name: "validation error", failures: -1, err: core.NewValidationError(failure), wantAttempts: 1, wantDead: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			var attempts int32
			f.queue.Register("test", func(ctx context.Context, task core.Task) error {
				n := atomic.AddInt32(&attempts, 1)
				if tt.failures < 0 || n <= tt.failures {
					return tt.err
				}
				return nil
			})

			f.run(t, core.Task{ID: "t1", Kind: "test", Key: "k1", Payload: []byte(`{}`)})

			assert.Equal(t, tt.wantAttempts, atomic.LoadInt32(&attempts))
			dls := f.listDeadLetters(t)
			if !tt.wantDead {
				assert.Empty(t, dls)
				assert.Empty(t, f.mailer.Sent())
				return
			}
			require.Len(t, dls, 1)
			assert.Equal(t, "t1", dls[0].ID)
			assert.Equal(t, "test", dls[0].Kind)
			assert.Equal(t, "k1", dls[0].Key)
			assert.Equal(t, int(tt.wantAttempts), dls[0].Attempts)
			assert.Contains(t, dls[0].Error, "connection reset")

			sent := f.mailer.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "ops@test.cd", sent[0].To[0].Address)
			assert.Contains(t, sent[0].BodyStr, "k1")
		})
	}
}

func TestQueue_unknownKind(t *testing.T) {
	f := setup(t)
	f.run(t, core.Task{ID: "t1", Kind: "nope", Key: "k1"})

	dls := f.listDeadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, 0, dls[0].Attempts)
	assert.Contains(t, dls[0].Error, `no handler for task kind "nope"`)
}

func TestQueue_timeout(t *testing.T) {
	f := setup(t, func(conf *core.Config) {
		conf.Queue.TaskTimeout = 20 * time.Millisecond
		conf.Queue.MaxRetries = 1
	})
	f.queue.Register("slow", func(ctx context.Context, task core.Task) error {
		<-ctx.Done()
		return ctx.Err()
	})

	f.run(t, core.Task{ID: "t1", Kind: "slow", Key: "k1"})

	dls := f.listDeadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Contains(t, dls[0].Error, context.DeadlineExceeded.Error())
}

func TestQueue_panic(t *testing.T) {
	f := setup(t, func(conf *core.Config) { conf.Queue.MaxRetries = 0 })
	f.queue.Register("boom", func(ctx context.Context, task core.Task) error {
		panic("kaboom")
	})

	f.run(t, core.Task{ID: "t1", Kind: "boom", Key: "k1"})

	dls := f.listDeadLetters(t)
	require.Len(t, dls, 1)
	assert.Contains(t, dls[0].Error, "kaboom")
}

func TestQueue_coalescing(t *testing.T) {
	f := setup(t)
	var runs int32
	f.queue.Register("test", func(ctx context.Context, task core.Task) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx,
		core.Task{ID: "1", Kind: "test", Key: "a"},
		core.Task{ID: "2", Kind: "test", Key: "a"},
		core.Task{ID: "3", Kind: "test", Key: "b"},
	))
	require.NoError(t, f.queue.Enqueue(ctx, core.Task{ID: "4", Kind: "test", Key: "a"}))
	assert.Equal(t, 2, f.queue.Pending())

	f.run(t)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestQueue_keyAcceptedWhileRunning(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	var runs int32
	f.queue.Register("test", func(ctx context.Context, task core.Task) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-unblock
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Enqueue(ctx, core.Task{ID: "1", Kind: "test", Key: "a"}))
	<-started

	// the running task no longer holds its key
	require.NoError(t, f.queue.Enqueue(ctx, core.Task{ID: "2", Kind: "test", Key: "a"}))
	close(unblock)

	require.NoError(t, f.queue.WaitIdle(ctx))
	require.NoError(t, f.queue.Stop(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestQueue_full(t *testing.T) {
	f := setup(t, func(conf *core.Config) { conf.Queue.Buffer = 2 })

	err := f.queue.Enqueue(context.Background(),
		core.Task{Kind: "test", Key: "a"},
		core.Task{Kind: "test", Key: "b"},
		core.Task{Kind: "test", Key: "c"},
	)
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, ErrFull, errors.Cause(err))
	assert.Equal(t, 2, f.queue.Pending())
}

func TestQueue_lifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.Equal(t, "reportcards", f.queue.Lane())
	assert.Equal(t, ErrNotStarted, f.queue.Stop(ctx))
	require.NoError(t, f.queue.Start(ctx))
	assert.Equal(t, ErrAlreadyStarted, f.queue.Start(ctx))
	require.NoError(t, f.queue.Stop(ctx))

	assert.Equal(t, ErrClosed, f.queue.Enqueue(ctx, core.Task{Kind: "test"}))
	assert.Equal(t, ErrClosed, f.queue.Start(ctx))
}

func TestQueue_stopDrains(t *testing.T) {
	f := setup(t, func(conf *core.Config) { conf.Queue.Workers = 1 })
	var runs int32
	f.queue.Register("test", func(ctx context.Context, task core.Task) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tasks := make([]core.Task, 0, 10)
	for _, key := range strings.Split("abcdefghij", "") {
		tasks = append(tasks, core.Task{Kind: "test", Key: key})
	}
	require.NoError(t, f.queue.Enqueue(ctx, tasks...))
	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Stop(ctx))

	assert.Equal(t, int32(10), atomic.LoadInt32(&runs))
	assert.Equal(t, 0, f.queue.Pending())
}

func TestQueue_stopAcceptsFollowUps(t *testing.T) {
	f := setup(t, func(conf *core.Config) { conf.Queue.Workers = 2 })
	var children int32
	f.queue.Register("parent", func(ctx context.Context, task core.Task) error {
		time.Sleep(time.Millisecond)
		return f.queue.Enqueue(ctx, core.Task{Kind: "child", Key: "child:" + task.Key})
	})
	f.queue.Register("child", func(ctx context.Context, task core.Task) error {
		atomic.AddInt32(&children, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range strings.Split("abcde", "") {
		require.NoError(t, f.queue.Enqueue(ctx, core.Task{Kind: "parent", Key: key}))
	}
	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Stop(ctx))

	assert.Equal(t, int32(5), atomic.LoadInt32(&children))
	assert.Empty(t, f.listDeadLetters(t))
	// callers outside the workers are refused
	assert.Equal(t, ErrClosed, f.queue.Enqueue(ctx, core.Task{Kind: "parent", Key: "late"}))
}

func TestQueue_stopDrainsGrading(t *testing.T) {
	f := setup(t, func(conf *core.Config) { conf.Queue.Workers = 2 })
	logger := testutil.NewLogger()
	db, err := inmemdb.Open()
	require.NoError(t, err)
	repo := inmemdb.NewGradingRepository(db)
	svc := grading.NewService(repo, f.queue, logger)
	f.queue.RegisterAll(svc.Handlers())
	trigger := grading.NewTrigger(repo, f.queue, logger)

	a := testutil.CreateAssignment(t, repo, "math", "sec1", "y1", 1)
	testutil.CreateGrade(t, repo, "s1", a.ID, "15")
	testutil.CreateGrade(t, repo, "s2", a.ID, "12")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := trigger.Recalculate(ctx, grading.RecalcFilter{})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// stopping right away still computes every average & its ranking
	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Stop(ctx))

	assert.Empty(t, f.listDeadLetters(t))
	assert.Empty(t, f.mailer.Sent())
	for _, period := range []grading.Period{1, grading.Annual} {
		for student, want := range map[string]int{"s1": 1, "s2": 2} {
			card, err := svc.GetReportCard(ctx, grading.Scope{StudentID: student, SchoolYearID: "y1", SectionID: "sec1", Period: period})
			require.NoError(t, err)
			require.NotNil(t, card.Rank, "%s period %s is unranked", student, period)
			assert.Equal(t, want, *card.Rank)
		}
	}
}
