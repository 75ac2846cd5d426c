// Command coreserver runs the annotation coordination core: it wires the
// stores and services, starts the periodic sweepers, and serves metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/synapse-platform/annotation-core/internal/app"
	"github.com/synapse-platform/annotation-core/internal/app/storage/postgres"
	"github.com/synapse-platform/annotation-core/internal/config"
	"github.com/synapse-platform/annotation-core/internal/platform/database"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores app.Stores
	if cfg.DatabaseDSN != "" {
		db, err := database.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.WithError(err).Fatal("could not connect to postgres")
		}
		defer db.Close()
		database.Configure(db, cfg.DBMaxConnections, cfg.DBIdleTimeout)

		store := postgres.New(db)
		stores = app.Stores{
			Annotators:  store,
			Experts:     store,
			Projects:    store,
			Assignments: store,
			Submissions: store,
			Consensus:   store,
			Goldens:     store,
			Billing:     store,
			Outbox:      store,
		}
	} else {
		log.Warn("DATABASE_DSN not set; using in-memory stores")
	}

	application := app.New(cfg, stores, log)
	if err := application.StartSweepers(ctx); err != nil {
		log.WithError(err).Fatal("could not start sweepers")
	}

	if cfg.MetricsEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			log.WithField("addr", addr).Info("metrics listener started")
			if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	application.Stop()
}
