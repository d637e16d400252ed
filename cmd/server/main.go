package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fieldline/taskflow/modules/tasking/handlers"
	"github.com/fieldline/taskflow/modules/tasking/infrastructure/dispatch"
	"github.com/fieldline/taskflow/modules/tasking/infrastructure/persistence"
	"github.com/fieldline/taskflow/modules/tasking/presentation/controllers"
	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
	"github.com/fieldline/taskflow/pkg/configuration"
	"github.com/fieldline/taskflow/pkg/constants"
	"github.com/fieldline/taskflow/pkg/eventbus"
	"github.com/fieldline/taskflow/pkg/middleware"
	"github.com/fieldline/taskflow/pkg/outbox"
)

func main() {
	conf := configuration.Use()
	defer conf.Unload()
	log := conf.Logger()

	if err := run(conf, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("server exited")
	}
}

func run(conf *configuration.Configuration, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Background workers read the pool from context, same as HTTP requests.
	poolCtx := composables.WithPool(ctx, pool)

	bus := eventbus.NewEventPublisher(log)
	publisher := outbox.NewPublisher()
	sink := dispatch.NewOutboxSink(publisher)
	locker := persistence.NewAdvisoryLocker(pool)

	orgRepo := persistence.NewPgOrgRepository()
	templateRepo := persistence.NewPgTemplateRepository()
	taskRepo := persistence.NewPgTaskRepository()
	delegationRepo := persistence.NewPgDelegationRepository()
	auditRepo := persistence.NewPgAuditRepository()

	engineCfg := services.EngineConfig{
		RetryAttempts: conf.Engine.RetryAttempts,
		RetryBackoff:  conf.Engine.RetryBackoff,
		EntityTimeout: conf.Engine.EntityTimeout,
		Parallelism:   conf.Engine.Parallelism,
	}

	engine := services.NewEngineService(services.EngineDeps{
		Org:         orgRepo,
		Templates:   templateRepo,
		Tasks:       taskRepo,
		Delegations: delegationRepo,
		Audit:       auditRepo,
		Sink:        sink,
		Locks:       locker,
		InTx:        composables.InTx,
		Log:         log,
	}, engineCfg)

	delegationSvc := services.NewDelegationService(services.DelegationDeps{
		Delegations: delegationRepo,
		Org:         orgRepo,
		Tasks:       taskRepo,
		Audit:       auditRepo,
		Sink:        sink,
		InTx:        composables.InTx,
		Log:         log,
	}, engineCfg)

	orgSvc := services.NewOrgService(services.OrgDeps{
		Org:   orgRepo,
		Audit: auditRepo,
		InTx:  composables.InTx,
		Bus:   bus,
		Log:   log,
	})

	templateSvc := services.NewTemplateService(services.TemplateDeps{
		Templates: templateRepo,
		Org:       orgRepo,
		Audit:     auditRepo,
		InTx:      composables.InTx,
		Bus:       bus,
		Log:       log,
	})

	taskSvc := services.NewTaskService(services.TaskDeps{
		Tasks: taskRepo,
		Audit: auditRepo,
		InTx:  composables.InTx,
		Bus:   bus,
		Log:   log,
	})

	auditSvc := services.NewAuditService(services.AuditDeps{
		Audit: auditRepo,
		InTx:  composables.InTx,
	})

	scheduler := services.NewScheduler(engine, taskRepo, composables.InTx, log, services.SchedulerConfig{
		DebounceWindow: conf.Engine.DebounceWindow,
		TickInterval:   conf.Engine.TickInterval,
	})
	handlers.RegisterStructureHandler(bus, scheduler, log)
	handlers.RegisterNotificationHandler(bus, log)

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID(conf.RequestIDHeader),
		middleware.Provide(constants.PoolKey, pool),
		middleware.WithLogger(log),
	)
	mounted := []controllers.Controller{
		controllers.NewOrgController(orgSvc),
		controllers.NewTemplateController(templateSvc),
		controllers.NewDelegationController(delegationSvc),
		controllers.NewTaskController(taskSvc),
		controllers.NewAuditController(auditSvc),
		controllers.NewEngineController(engine),
	}
	if conf.Prometheus.Enabled {
		mounted = append(mounted, controllers.NewMetricsController(conf.Prometheus.Path))
	}
	for _, c := range mounted {
		c.Register(router)
		log.WithField("routes", c.Key()).Debug("controller mounted")
	}

	server := &http.Server{
		Addr:         conf.SocketAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(poolCtx)

	g.Go(func() error {
		log.WithField("address", conf.SocketAddress).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if conf.Outbox.RelayEnabled {
		relay, err := outbox.NewRelay(pool, dispatch.OutboxTable, dispatch.NewBusDispatcher(bus, log), outbox.RelayOptions{
			PollInterval:    conf.Outbox.RelayPollInterval,
			BatchSize:       conf.Outbox.RelayBatchSize,
			LockTTL:         conf.Outbox.RelayLockTTL,
			MaxAttempts:     conf.Outbox.RelayMaxAttempts,
			SingleActive:    conf.Outbox.RelaySingleActive,
			DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
			LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
			Logger:          logrus.NewEntry(log),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := relay.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
