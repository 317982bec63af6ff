package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	queuesvc "github.com/trezcool/bulletin/services/queue"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf        *core.Config
	logger      core.Logger
	db          *sql.DB
	repo        grading.Repository
	deadLetters core.DeadLetterStore
	mailer      core.EmailService
	out         io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                                - run a goose command (up, down, status, redo...)")
	fmt.Fprintln(cli.out, "  recalculate [-year Y] [-section S] [-period P]       - recompute averages & ranks & wait for them")
	fmt.Fprintln(cli.out, "  rank -year Y -section S -period P                     - recompute the ranks of one section")
	fmt.Fprintln(cli.out, "  show [-student ID] [-year Y] [-section S] [-period P] - list report cards")
	fmt.Fprintln(cli.out, "  deadletters [-retry]                                  - list (or replay) failed tasks")
}

// services wires a grading.Service to a fresh queue. The queue must be started before it runs tasks.
func (cli *commandLine) services() (*grading.Service, *grading.Trigger, *queuesvc.Queue) {
	q := queuesvc.NewQueue(cli.conf, cli.logger, cli.deadLetters, cli.mailer)
	svc := grading.NewService(cli.repo, q, cli.logger)
	q.RegisterAll(svc.Handlers())
	return svc, grading.NewTrigger(cli.repo, q, cli.logger), q
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func parsePeriodFlag(val string) (*grading.Period, error) {
	if val == "" {
		return nil, nil
	}
	p, err := grading.ParsePeriod(val)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			fmt.Fprintln(cli.out, "Usage: migrate COMMAND [ARGS]")
			return errHelp
		}
		return cli.migrate(args[2:])

	case "recalculate":
		cmd := cli.newFlagSet("recalculate")
		year := cmd.String("year", "", "school year ID")
		section := cmd.String("section", "", "section ID")
		period := cmd.String("period", "", "period number or \"annual\"")
		if err := cmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		p, err := parsePeriodFlag(*period)
		if err != nil {
			return err
		}
		return cli.recalculate(grading.RecalcFilter{SchoolYearID: *year, SectionID: *section, Period: p})

	case "rank":
		cmd := cli.newFlagSet("rank")
		year := cmd.String("year", "", "school year ID")
		section := cmd.String("section", "", "section ID")
		period := cmd.String("period", "", "period number or \"annual\"")
		if err := cmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *year == "" || *section == "" || *period == "" {
			cmd.Usage()
			return errHelp
		}
		p, err := parsePeriodFlag(*period)
		if err != nil {
			return err
		}
		return cli.rank(grading.RankingScope{SchoolYearID: *year, SectionID: *section, Period: *p})

	case "show":
		cmd := cli.newFlagSet("show")
		student := cmd.String("student", "", "student ID")
		year := cmd.String("year", "", "school year ID")
		section := cmd.String("section", "", "section ID")
		period := cmd.String("period", "", "period number or \"annual\"")
		if err := cmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		p, err := parsePeriodFlag(*period)
		if err != nil {
			return err
		}
		return cli.show(grading.ReportCardFilter{StudentID: *student, SchoolYearID: *year, SectionID: *section, Period: p})

	case "deadletters":
		cmd := cli.newFlagSet("deadletters")
		retry := cmd.Bool("retry", false, "replay every failed task & forget the ones that succeed")
		if err := cmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		return cli.showDeadLetters(*retry)

	default:
		cli.printUsage()
		return errHelp
	}
}

// drain waits for q to run every queued task, then stops it.
func (cli *commandLine) drain(ctx context.Context, q *queuesvc.Queue) error {
	if err := q.WaitIdle(ctx); err != nil {
		_ = q.Stop(context.Background())
		return errors.Wrap(err, "waiting for the queue")
	}
	return q.Stop(ctx)
}

func (cli *commandLine) recalculate(filter grading.RecalcFilter) error {
	ctx := context.Background()
	_, trigger, q := cli.services()
	if err := q.Start(ctx); err != nil {
		return err
	}

	n, err := trigger.Recalculate(ctx, filter)
	if err != nil {
		_ = q.Stop(ctx)
		return err
	}
	if err = cli.drain(ctx, q); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d report card(s) recalculated\n", n)
	return nil
}

func (cli *commandLine) rank(rs grading.RankingScope) error {
	svc, _, _ := cli.services()
	if err := svc.ComputeRanks(context.Background(), rs); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s ranked\n", rs)
	return nil
}

func (cli *commandLine) show(filter grading.ReportCardFilter) error {
	svc, _, _ := cli.services()
	cards, err := svc.QueryReportCards(context.Background(), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STUDENT\tYEAR\tSECTION\tPERIOD\tAVERAGE\tRANK\tGENERATED")
	for _, c := range cards {
		rank := "-"
		if c.Rank != nil {
			rank = fmt.Sprint(*c.Rank)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.StudentID, c.SchoolYearID, c.SectionID, c.Period, c.Average.StringFixed(grading.AveragePlaces), rank, c.GeneratedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (cli *commandLine) showDeadLetters(retry bool) error {
	ctx := context.Background()
	dls, err := cli.deadLetters.ListDeadLetters(ctx, cli.conf.Queue.Lane)
	if err != nil {
		return err
	}
	if !retry {
		w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tKEY\tATTEMPTS\tFAILED\tERROR")
		for _, dl := range dls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", dl.ID, dl.Kind, dl.Key, dl.Attempts, dl.FailedAt.Format(time.RFC3339), dl.Error)
		}
		return w.Flush()
	}

	// rankings scheduled by replayed averages run on the queue
	svc, _, q := cli.services()
	if err = q.Start(ctx); err != nil {
		return err
	}
	replayed := make([]string, 0, len(dls))
	for _, dl := range dls {
		if err := svc.RunTask(ctx, dl.Task()); err != nil {
			fmt.Fprintf(cli.out, "%s (%s) failed again: %v\n", dl.ID, dl.Key, err)
			continue
		}
		replayed = append(replayed, dl.ID)
	}
	if err = cli.drain(ctx, q); err != nil {
		return err
	}
	if len(replayed) > 0 {
		if err = cli.deadLetters.DeleteDeadLetters(ctx, replayed...); err != nil {
			return err
		}
	}
	fmt.Fprintf(cli.out, "%d/%d task(s) replayed\n", len(replayed), len(dls))
	return nil
}
