package approvals

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/handlers"
	"github.com/iota-uz/approvalgate/modules/approvals/infrastructure/persistence"
	"github.com/iota-uz/approvalgate/modules/approvals/presentation/controllers"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	flagservices "github.com/iota-uz/approvalgate/modules/flags/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/authz"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/configuration"
	"github.com/iota-uz/approvalgate/pkg/eventbus"
	"github.com/iota-uz/approvalgate/pkg/middleware"
	"github.com/iota-uz/approvalgate/pkg/outbox"
	outboxbus "github.com/iota-uz/approvalgate/pkg/outbox/dispatchers/eventbus"
	"github.com/iota-uz/approvalgate/pkg/scheduler"
)

//go:embed infrastructure/persistence/schema/*.sql
var MigrationFiles embed.FS

const SchemaDir = "infrastructure/persistence/schema"

// GatedRoutes lists the endpoints whose requests pass through the approval gate.
var GatedRoutes = []controllers.GatedRoute{
	{
		Method:       http.MethodPatch,
		PathTemplate: "/api/feature-flags/{id}",
		ResourceType: flag.ResourceType,
		IDVar:        "id",
	},
}

type ModuleOptions struct {
	Config *configuration.Configuration
	Mailer services.Mailer
	// Authz is used for role resolution and policy administration.
	Authz *authz.Service
}

func NewModule(opts *ModuleOptions) application.Module {
	if opts == nil {
		opts = &ModuleOptions{}
	}
	return &Module{options: opts}
}

type Module struct {
	options *ModuleOptions
}

func (m *Module) Register(app application.Application) error {
	conf := m.options.Config
	if conf == nil {
		conf = configuration.Use()
	}
	az := m.options.Authz
	if az == nil {
		az = authz.Use()
	}
	log := app.Logger().WithField("module", m.Name())

	app.Migrations().RegisterSchema(m.Name(), &MigrationFiles, SchemaDir)

	flagService, ok := app.Service(flagservices.FlagService{}).(*flagservices.FlagService)
	if !ok {
		return fmt.Errorf("approvals: flags module must be registered first")
	}
	registry, err := actions.NewRegistry(actions.FeatureFlagActions(flagService.Repository())...)
	if err != nil {
		return err
	}

	table, err := outbox.ParseIdentifier(conf.Outbox.Table)
	if err != nil {
		return err
	}
	tx := composables.NewTransactor()
	crs := persistence.NewChangeRequestRepository()
	policies := persistence.NewPolicyRepository()
	roles := services.NewAuthzRoleResolver(az)
	notifier := services.NewOutboxNotifier(outbox.NewPublisher(), table, tx, log)

	engine := services.NewPolicyEngine(policies, roles, services.NewConditionEvaluator(conf.Approvals.ConditionMatch))
	gate := services.NewApprovalGate(services.GateOptions{
		Registry:            registry,
		Engine:              engine,
		ChangeRequests:      crs,
		Notifier:            notifier,
		Tx:                  tx,
		Rollout:             services.RolloutFromConfig(conf.Approvals),
		DefaultExpiresAfter: conf.Approvals.DefaultExpiresAfter,
		Logger:              log,
	})
	applier := services.NewApplier(registry, crs, notifier, tx, nil, log)
	maintenance := services.NewMaintenanceService(registry, crs, notifier, tx, conf.Approvals.SweepBatchSize, nil, log)

	app.RegisterServices(
		registry,
		engine,
		gate,
		services.NewChangeRequestService(crs, applier, roles, notifier, tx, nil, log),
		services.NewPolicyService(policies, tx, nil),
		maintenance,
	)

	debug := conf.Approvals.DebugErrors
	app.RegisterMiddleware(controllers.GateMiddleware(gate, GatedRoutes, debug))
	app.RegisterControllers(
		controllers.NewChangeRequestController(app, controllers.ChangeRequestControllerOptions{
			VoteLimit:   voteLimit(conf.RateLimit, log),
			DebugErrors: debug,
		}),
		controllers.NewPolicyController(app, az, debug),
	)

	if bus, ok := app.EventPublisher().(eventbus.EventBusWithError); ok {
		mailer := m.options.Mailer
		if mailer == nil {
			mailer = services.NewLogMailer(log)
		}
		handlers.NewNotificationHandler(mailer, log).Subscribe(bus)
		if err := m.registerWorkers(app, conf, table, bus, maintenance, log); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) registerWorkers(
	app application.Application,
	conf *configuration.Configuration,
	table pgx.Identifier,
	bus eventbus.EventBusWithError,
	maintenance *services.MaintenanceService,
	log *logrus.Entry,
) error {
	pool := app.DB()
	if pool == nil {
		return nil
	}

	if conf.Approvals.SchedulerEnabled {
		sched := scheduler.New(pool, scheduler.Options{Logger: log})
		for _, job := range SweepJobs(conf.Approvals, maintenance) {
			if err := sched.Add(job); err != nil {
				return err
			}
		}
		app.RegisterWorkers(application.NamedWorker{Name: "approvals.scheduler", Worker: sched})
	}

	if conf.Outbox.RelayEnabled {
		dispatcher := outboxbus.New(bus).
			Register(changerequest.TopicApprovalRequested, outboxbus.JSON[changerequest.ApprovalRequestedEvent]()).
			Register(changerequest.TopicDecision, outboxbus.JSON[changerequest.DecisionEvent]()).
			Register(changerequest.TopicApplied, outboxbus.JSON[changerequest.AppliedEvent]()).
			Register(changerequest.TopicApplyFailed, outboxbus.JSON[changerequest.ApplyFailedEvent]()).
			Register(changerequest.TopicExpired, outboxbus.JSON[changerequest.ExpiredEvent]())
		relay, err := outbox.NewRelay(pool, table, dispatcher, outbox.RelayOptions{
			PollInterval:    conf.Outbox.RelayPollInterval,
			BatchSize:       conf.Outbox.RelayBatchSize,
			LockTTL:         conf.Outbox.RelayLockTTL,
			MaxAttempts:     conf.Outbox.RelayMaxAttempts,
			SingleActive:    conf.Outbox.RelaySingleActive,
			LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
			DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
			Logger:          log,
		})
		if err != nil {
			return err
		}
		app.RegisterWorkers(application.NamedWorker{Name: "approvals.outbox_relay", Worker: relay})
	}

	if conf.Outbox.CleanerEnabled {
		cleaner, err := outbox.NewCleaner(pool, table, outbox.CleanerOptions{
			Interval:  conf.Outbox.CleanerInterval,
			Retention: conf.Outbox.CleanerRetention,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		app.RegisterWorkers(application.NamedWorker{Name: "approvals.outbox_cleaner", Worker: cleaner})
	}
	return nil
}

// SweepJobs returns the scheduled expiry and revalidation sweeps.
func SweepJobs(opts configuration.ApprovalsOptions, maintenance *services.MaintenanceService) []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     "approvals.expire",
			Schedule: opts.ExpireSchedule,
			Run: func(ctx context.Context) error {
				_, err := maintenance.ExpireOld(ctx)
				return err
			},
		},
		{
			Name:     "approvals.validate",
			Schedule: opts.ValidateSchedule,
			Run: func(ctx context.Context) error {
				_, err := maintenance.ValidatePending(ctx)
				return err
			},
		},
	}
}

// voteLimit throttles approve/reject/cancel per client.
func voteLimit(opts configuration.RateLimitOptions, log *logrus.Entry) mux.MiddlewareFunc {
	if !opts.Enabled || opts.VotesPerMinute <= 0 {
		return nil
	}
	var store limiter.Store
	if opts.Storage == "redis" {
		s, err := middleware.NewRedisStore(opts.RedisURL)
		if err != nil {
			log.WithError(err).Warn("vote rate limit falling back to memory store")
		} else {
			store = s
		}
	}
	if store == nil {
		store = middleware.NewMemoryStore()
	}
	return middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerPeriod: opts.VotesPerMinute,
		Period:            time.Minute,
		Store:             store,
	})
}

func (m *Module) Name() string {
	return "approvals"
}
