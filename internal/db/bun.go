// Package db owns the process-wide handle to the durable store. The schema
// itself is an implementation detail of the models that use it; this package
// only hands out connections.
package db

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"

	// Registers the pgx stdlib driver.
	_ "github.com/jackc/pgx/v4/stdlib"
)

var (
	theOneBun      *bun.DB
	theOneBunMutex sync.Mutex
)

func initTheOneBun(db *sql.DB) {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	if theOneBun != nil {
		logrus.Warn("detected re-initialization of the database connection, ignoring")
		return
	}
	theOneBun = bun.NewDB(db, pgdialect.New())

	// bundebug only emits queries when BUNDEBUG is set in the environment.
	theOneBun.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))
}

// Bun returns the singleton database handle. Connect must have succeeded
// first.
func Bun() *bun.DB {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	if theOneBun == nil {
		panic("database is not yet initialized")
	}
	return theOneBun
}

// Connect opens the database from the config and installs it as the process
// singleton.
func Connect(cfg *Config) error {
	sqlDB, err := sql.Open("pgx", cfg.URL())
	if err != nil {
		return errors.Wrap(err, "opening database connection")
	}
	if err := sqlDB.Ping(); err != nil {
		return errors.Wrap(err, "pinging database")
	}

	initTheOneBun(sqlDB)
	return nil
}
