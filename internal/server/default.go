package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"github.com/iota-uz/approvalgate/modules"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/configuration"
	"github.com/iota-uz/approvalgate/pkg/constants"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
	"github.com/iota-uz/approvalgate/pkg/metrics"
	"github.com/iota-uz/approvalgate/pkg/middleware"
	"github.com/iota-uz/approvalgate/pkg/server"
)

type DefaultOptions struct {
	Logger        *logrus.Logger
	Configuration *configuration.Configuration
	Application   application.Application
	Pool          *pgxpool.Pool
	// Loaded after the core middleware so module middleware sees the actor and logger.
	Modules []application.Module
}

func Default(options *DefaultOptions) (*server.HTTPServer, error) {
	app := options.Application
	conf := options.Configuration

	// Core middleware stack with tracing capabilities
	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(options.Logger, middleware.LoggerOptions{
			RequestIDHeader: conf.RequestIDHeader,
			RealIPHeader:    conf.RealIPHeader,
		}),

		middleware.TracedMiddleware("database"),
		middleware.Provide(constants.AppKey, app),
		middleware.ProvidePool(options.Pool),

		middleware.TracedMiddleware("cors"),
		middleware.Cors(strings.Split(conf.CorsOrigins, ",")...),
	}

	if conf.RateLimit.Enabled {
		var store limiter.Store
		var err error

		switch conf.RateLimit.Storage {
		case "redis":
			store, err = middleware.NewRedisStore(conf.RateLimit.RedisURL)
			if err != nil {
				options.Logger.WithError(err).Warn("Failed to create Redis store for rate limiting, falling back to memory")
				store = middleware.NewMemoryStore()
			}
		default:
			store = middleware.NewMemoryStore()
		}

		middlewares = append(middlewares,
			middleware.TracedMiddleware("rateLimit"),
			middleware.RateLimit(middleware.RateLimitConfig{
				RequestsPerPeriod: conf.RateLimit.GlobalRPS,
				Store:             store,
			}),
		)
	}

	middlewares = append(middlewares,
		middleware.TracedMiddleware("actor"),
		middleware.WithActor(),
	)
	app.RegisterMiddleware(middlewares...)

	if err := modules.Load(app, options.Modules...); err != nil {
		return nil, err
	}

	app.RegisterControllers(metrics.NewHealthController(options.Pool))
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	return server.NewHTTPServer(app, http.HandlerFunc(notFound), http.HandlerFunc(methodNotAllowed)), nil
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	_ = httpapi.WriteError(w, http.StatusNotFound, "not_found", "route not found", nil)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	_ = httpapi.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
}
