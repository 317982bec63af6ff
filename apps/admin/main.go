package main

import (
	"log"
	"os"

	"github.com/trezcool/bulletin/core"
	emailsvc "github.com/trezcool/bulletin/services/email"
	logsvc "github.com/trezcool/bulletin/services/logger"
	"github.com/trezcool/bulletin/storage/database"
	sqlxrepos "github.com/trezcool/bulletin/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)

	// set up DB
	db, err := database.OpenX(conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}
	if err = database.Ping(db.DB); err != nil {
		logger.Fatal("pinging database", err)
	}

	// start CLI
	cli := commandLine{
		conf:        conf,
		logger:      logger,
		db:          db.DB,
		repo:        sqlxrepos.NewGradingRepository(db),
		deadLetters: sqlxrepos.NewDeadLetterRepository(db),
		mailer:      emailsvc.NewService(conf, logger),
		out:         os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error("command failed", err)
		}
		os.Exit(1)
	}
}
