package main

import (
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
	logsvc "github.com/aprendia/backend/services/logger"
	"github.com/aprendia/backend/storage/database"
	sqlxrepos "github.com/aprendia/backend/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	appLogger := logsvc.NewRollbarLogger(logger, conf)
	appLogger.Enable(false) // CLI runs report to the operator, not rollbar

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer func() { _ = db.Close() }()
	sdb := sqlx.NewDb(db, conf.Database.Engine)

	// start CLI
	cli := commandLine{
		conf: conf,
		db:   db,
		streakSvc: streak.NewService(
			sqlxrepos.NewStreakRepository(sdb),
			nil, // no notifications from CLI runs
			nil,
			appLogger,
			conf,
		),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
