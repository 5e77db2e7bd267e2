package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medconsult/booking-engine/internal/config"
	"github.com/medconsult/booking-engine/migrations"
	"github.com/medconsult/booking-engine/pkg/logging"
)

func main() {
	down := flag.Bool("down", false, "roll back one migration instead of applying all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel).Named("migrate")

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Error("open db", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Error("ping db", "error", err)
		os.Exit(1)
	}

	dbDriver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		log.Error("db driver", "error", err)
		os.Exit(1)
	}

	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		log.Error("source driver", "error", err)
		os.Exit(1)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		log.Error("create migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no pending migrations")
			return
		}
		log.Error("migrate", "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied")
}
