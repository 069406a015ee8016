package application

import (
	"context"
	"embed"
	"reflect"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/eventbus"
)

type Controller interface {
	Register(r *mux.Router)
	Key() string
}

type Module interface {
	Register(app Application) error
	Name() string
}

// Worker is a long-running background loop started by the entrypoint.
type Worker interface {
	Run(ctx context.Context) error
}

type NamedWorker struct {
	Name   string
	Worker Worker
}

type MigrationManager interface {
	RegisterSchema(module string, fsys *embed.FS, dir string)
	Run() error
	Rollback() error
	Status() error
}

// Application with a dynamically extendable service registry
type Application interface {
	DB() *pgxpool.Pool
	EventPublisher() eventbus.EventBus
	Logger() *logrus.Logger
	Controllers() []Controller
	Middleware() []mux.MiddlewareFunc
	Migrations() MigrationManager
	Workers() []NamedWorker
	RegisterControllers(controllers ...Controller)
	RegisterMiddleware(middleware ...mux.MiddlewareFunc)
	RegisterWorkers(workers ...NamedWorker)
	RegisterServices(services ...any)
	Service(service any) any
	Services() map[reflect.Type]any
}
