package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/trezcool/bulletin/apps/api/echo"
	"github.com/trezcool/bulletin/core/grading"
	"github.com/trezcool/bulletin/services/queue"
	"github.com/trezcool/bulletin/storage/database/inmem"
	"github.com/trezcool/bulletin/tests"
)

type app struct {
	server *Server
	repo   grading.Repository
	svc    *grading.Service
	queue  *queuesvc.Queue
}

func setup(t *testing.T) *app {
	t.Helper()
	conf := testutil.NewConfig()
	logger := testutil.NewLogger()

	db, err := inmemdb.Open()
	require.NoError(t, err)
	repo := inmemdb.NewGradingRepository(db)

	q := queuesvc.NewQueue(conf, logger, inmemdb.NewDeadLetterRepository(db), nil)
	svc := grading.NewService(repo, q, logger)
	q.RegisterAll(svc.Handlers())
	trigger := grading.NewTrigger(repo, q, logger)

	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	server := NewServer(conf, logger, &Deps{
		GradeSvc:   grading.NewGradeService(repo, trigger, logger),
		ReportSvc:  svc,
		Trigger:    trigger,
		Queue:      q,
		DisableLog: true,
	})
	return &app{server: server, repo: repo, svc: svc, queue: q}
}

// settle waits for the queue to compute every scheduled average & ranking.
func (a *app) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.queue.WaitIdle(ctx))
}

func (a *app) do(t *testing.T, method, path string, body ...interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if len(body) > 0 {
		switch b := body[0].(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     interface{}
	wantCode int
}

func (a *app) run(t *testing.T, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.body != nil {
				rec = a.do(t, tt.method, tt.path, tt.body)
			} else {
				rec = a.do(t, tt.method, tt.path)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("failed! code = %v; wantCode %v; body %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}
