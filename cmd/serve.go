package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/feedhub/internal/server"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feed API and run the scheduler",
		Description: `Starts the HTTP API and the polling scheduler. The first pass runs
		shortly after startup, then every scheduler.interval_minutes.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address, overrides the addr setting",
				EnvVars: []string{"FEEDHUB_ADDR"},
			},
		},
		Action: func(ctx *cli.Context) error {
			return withApp(ctx, func(a *app) error {
				addr := a.cfg.Addr
				if ctx.IsSet("addr") {
					addr = ctx.String("addr")
				}

				sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()

				srv := server.New(a.store, a.subs, a.scheduler)
				errCh := make(chan error, 1)
				go func() {
					errCh <- srv.Start(sigCtx, addr)
				}()

				select {
				case err := <-errCh:
					return err
				case <-sigCtx.Done():
				}

				log.Info("Gracefully shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return <-errCh
			})
		},
	}
}
