package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/approvalgate/modules"
	"github.com/iota-uz/approvalgate/modules/approvals"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/configuration"
)

type env struct {
	app  application.Application
	pool *pgxpool.Pool
}

func (e *env) Close() {
	e.pool.Close()
}

// Context carries the pool so services resolve it without a request.
func (e *env) Context(ctx context.Context) context.Context {
	return composables.WithPool(ctx, e.pool)
}

func connect(ctx context.Context) (*env, error) {
	conf := configuration.Use()
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	app := application.New(&application.ApplicationOptions{
		Pool:         pool,
		Logger:       conf.Logger(),
		MigrationDSN: conf.Database.Opts,
	})
	if err := modules.Load(app, modules.BuiltInModules(&approvals.ModuleOptions{Config: conf})...); err != nil {
		pool.Close()
		return nil, err
	}
	return &env{app: app, pool: pool}, nil
}
