package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	emailsvc "github.com/trezcool/bulletin/services/email"
	inmemdb "github.com/trezcool/bulletin/storage/database/inmem"
	testutil "github.com/trezcool/bulletin/tests"
)

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	db, err := inmemdb.Open()
	require.NoError(t, err)
	conf := testutil.NewConfig()

	var out bytes.Buffer
	return &commandLine{
		conf:        conf,
		logger:      testutil.NewLogger(),
		repo:        inmemdb.NewGradingRepository(db),
		deadLetters: inmemdb.NewDeadLetterRepository(db),
		mailer:      emailsvc.NewConsoleServiceMock(conf),
		out:         &out,
	}, &out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
}

func runCLITests(t *testing.T, cli *commandLine, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			if err := cli.run(args); err != nil {
				if tt.wantErr != nil {
					if err != tt.wantErr {
						t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
					}
				} else if tt.wantErrStr != "" {
					if err.Error() != tt.wantErrStr {
						t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
					}
				} else {
					t.Errorf("cli.run() unexpected error = %v", err)
				}
			} else if tt.wantErr != nil || tt.wantErrStr != "" {
				t.Errorf("cli.run() expected an error")
			}
		})
	}
}

func Test_commandLine_help(t *testing.T) {
	cli, _ := setup(t)
	runCLITests(t, cli, []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "rank: no args", args: []string{"rank"}, wantErr: errHelp},
		{name: "rank: missing period", args: []string{"rank", "-year", "y1", "-section", "sec1"}, wantErr: errHelp},
		{name: "unknown flag", args: []string{"show", "-lol"}, wantErr: errHelp},
	})
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	gooseRunFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, cli, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "attendance", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	})
}

func Test_commandLine_recalculate(t *testing.T) {
	cli, out := setup(t)
	a := testutil.CreateAssignment(t, cli.repo, "math", "sec1", "y1", 1)
	testutil.CreateGrade(t, cli.repo, "s1", a.ID, "12")
	testutil.CreateGrade(t, cli.repo, "s2", a.ID, "17")

	runCLITests(t, cli, []cliTest{
		{name: "invalid period", args: []string{"recalculate", "-period", "first"}, wantErrStr: `parsing "first": invalid period`},
		{name: "invalid section", args: []string{"recalculate", "-section", "sec 1"}, wantErrStr: "invalid input"},
		{name: "year", args: []string{"recalculate", "-year", "y1"}},
	})
	assert.Contains(t, out.String(), "4 report card(s) recalculated")

	// averages & ranks are there once the command returns
	card, err := cli.repo.GetReportCard(context.Background(), grading.Scope{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1})
	require.NoError(t, err)
	assert.Equal(t, "12", card.Average.String())
	require.NotNil(t, card.Rank)
	assert.Equal(t, 2, *card.Rank)

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "show", "-period", "annual"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STUDENT"))
	assert.True(t, strings.HasPrefix(lines[1], "s2"), lines[1])
	assert.Contains(t, lines[1], "17.00")
	assert.Contains(t, lines[2], "12.00")
}

func Test_commandLine_rank(t *testing.T) {
	cli, out := setup(t)
	ctx := context.Background()
	for _, c := range []grading.ReportCard{
		{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1, Average: dec("12")},
		{StudentID: "s2", SchoolYearID: "y1", SectionID: "sec1", Period: 1, Average: dec("17")},
	} {
		_, err := cli.repo.UpsertReportCardAverage(ctx, c)
		require.NoError(t, err)
	}

	require.NoError(t, cli.run([]string{"admin", "rank", "-year", "y1", "-section", "sec1", "-period", "1"}))
	assert.Contains(t, out.String(), "ranked")

	card, err := cli.repo.GetReportCard(ctx, grading.Scope{StudentID: "s2", SchoolYearID: "y1", SectionID: "sec1", Period: 1})
	require.NoError(t, err)
	require.NotNil(t, card.Rank)
	assert.Equal(t, 1, *card.Rank)
}

func Test_commandLine_deadletters(t *testing.T) {
	cli, out := setup(t)
	ctx := context.Background()
	a := testutil.CreateAssignment(t, cli.repo, "math", "sec1", "y1", 1)
	testutil.CreateGrade(t, cli.repo, "s1", a.ID, "14")

	good, err := grading.NewAverageTask(grading.Scope{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1})
	require.NoError(t, err)
	good.ID = "dl-good"
	bad := core.Task{ID: "dl-bad", Kind: "unknown", Key: "unknown:1"}
	for _, task := range []core.Task{good, bad} {
		require.NoError(t, cli.deadLetters.SaveDeadLetter(ctx, core.DeadLetter{
			ID:       task.ID,
			Lane:     cli.conf.Queue.Lane,
			Kind:     task.Kind,
			Key:      task.Key,
			Payload:  task.Payload,
			Error:    "database unavailable",
			Attempts: 4,
			FailedAt: time.Now().UTC(),
		}))
	}

	require.NoError(t, cli.run([]string{"admin", "deadletters"}))
	assert.Contains(t, out.String(), "dl-good")
	assert.Contains(t, out.String(), "dl-bad")

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "deadletters", "-retry"}))
	assert.Contains(t, out.String(), "dl-bad (unknown:1) failed again")
	assert.Contains(t, out.String(), "1/2 task(s) replayed")

	remaining, err := cli.deadLetters.ListDeadLetters(ctx, cli.conf.Queue.Lane)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "dl-bad", remaining[0].ID)

	card, err := cli.repo.GetReportCard(ctx, grading.Scope{StudentID: "s1", SchoolYearID: "y1", SectionID: "sec1", Period: 1})
	require.NoError(t, err)
	require.NotNil(t, card.Rank, "replayed average should have been ranked")
	assert.Equal(t, 1, *card.Rank)
}
