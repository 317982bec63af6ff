package dig_container

import (
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/bulletin/apps/api/echo"
	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	emailsvc "github.com/trezcool/bulletin/services/email"
	logsvc "github.com/trezcool/bulletin/services/logger"
	queuesvc "github.com/trezcool/bulletin/services/queue"
	"github.com/trezcool/bulletin/storage/database"
	sqlxrepos "github.com/trezcool/bulletin/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.OpenX(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newQueue(conf *core.Config, logger core.Logger, deadLetters core.DeadLetterStore, mailer core.EmailService) (*queuesvc.Queue, core.TaskQueue) {
	q := queuesvc.NewQueue(conf, logger, deadLetters, mailer)
	return q, q
}

type depsParam struct {
	dig.In
	GradeSvc  *grading.GradeService
	ReportSvc *grading.Service
	Trigger   *grading.Trigger
	Queue     *queuesvc.Queue
}

func newDeps(p depsParam) *echoapi.Deps {
	return &echoapi.Deps{
		GradeSvc:  p.GradeSvc,
		ReportSvc: p.ReportSvc,
		Trigger:   p.Trigger,
		Queue:     p.Queue,
	}
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(emailsvc.NewService))
	must(c.Provide(sqlxrepos.NewGradingRepository))
	must(c.Provide(sqlxrepos.NewDeadLetterRepository))
	must(c.Provide(newQueue))
	must(c.Provide(grading.NewService))
	must(c.Provide(grading.NewTrigger))
	must(c.Provide(grading.NewGradeService))
	must(c.Provide(newDeps))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
