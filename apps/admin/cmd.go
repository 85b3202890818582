package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
	"github.com/aprendia/backend/storage/database"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf      *core.Config
	db        *sql.DB
	streakSvc streak.ServiceInterface
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  createdb                 - create the app database and user if missing")
	fmt.Println("  migrate COMMAND [args]   - run a goose migration command (up, down, status, ...)")
	fmt.Println("  reconcile -user USER_ID  - force streak evaluation for a user and print their stats")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	reconcileCmd := flag.NewFlagSet("reconcile", flag.ExitOnError)
	reconcileUser := reconcileCmd.String("user", "", "The user's ID.")

	switch args[1] {
	case "createdb":
		return database.CreateIfNotExist(cli.conf)
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "reconcile":
		if err := reconcileCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *reconcileUser == "" {
			reconcileCmd.Usage()
			return errHelp
		}
		return cli.reconcile(*reconcileUser)
	default:
		cli.printUsage()
		return errHelp
	}
}
