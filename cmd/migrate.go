package cmd

import (
	"github.com/bryan-buckman/feedhub/internal/database"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the SQLite file if it does not exist.`,
		Action: func(ctx *cli.Context) error {
			cfg := configFrom(ctx)
			log.WithField("driver", cfg.Database.Driver).Info("Migrating database")
			return database.Migrate(cfg.Database.Driver, cfg.Database.DSN)
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migrations",
		Description: `Rolls back the last database migration, or --steps of them.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "steps",
				Usage: "Number of migrations to roll back",
				Value: 1,
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := configFrom(ctx)
			log.WithFields(log.Fields{"driver": cfg.Database.Driver, "steps": ctx.Int("steps")}).Info("Rolling back database")
			return database.Rollback(cfg.Database.Driver, cfg.Database.DSN, ctx.Int("steps"))
		},
	}
}
