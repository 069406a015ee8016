package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/iota-uz/approvalgate/internal/server"
	"github.com/iota-uz/approvalgate/modules"
	"github.com/iota-uz/approvalgate/modules/approvals"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/configuration"
	"github.com/iota-uz/approvalgate/pkg/eventbus"
	"github.com/iota-uz/approvalgate/pkg/logging"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	if conf.OpenTelemetry.Enabled {
		tracingCleanup := logging.SetupTracing(
			context.Background(),
			conf.OpenTelemetry.ServiceName,
			conf.OpenTelemetry.TempoURL,
		)
		defer tracingCleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	app := application.New(&application.ApplicationOptions{
		Pool:         pool,
		EventBus:     eventbus.New(logger.WithField("component", "eventbus")),
		Logger:       logger,
		MigrationDSN: conf.Database.Opts,
	})
	serverInstance, err := server.Default(&server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
		Pool:          pool,
		Modules:       modules.BuiltInModules(&approvals.ModuleOptions{Config: conf}),
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	if err := app.Migrations().Run(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	var wg sync.WaitGroup
	for _, w := range app.Workers() {
		wg.Add(1)
		go func(w application.NamedWorker) {
			defer wg.Done()
			workerLog := logger.WithField("worker", w.Name)
			workerLog.Info("worker started")
			if err := w.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				workerLog.WithError(err).Error("worker stopped")
			}
		}(w)
	}

	log.Printf("Listening on: %s\n", conf.SocketAddress)
	if err := serverInstance.Start(ctx, conf.SocketAddress); err != nil {
		log.Printf("server stopped: %v", err)
	}
	stop()
	wg.Wait()
	conf.Unload()
}
