package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
		}
	}
	if len(existingFiles) == 0 {
		return 0, nil
	}
	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"approvalgate"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"approvalgate"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RateLimitOptions struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	GlobalRPS int    `env:"RATE_LIMIT_GLOBAL_RPS" envDefault:"1000"`
	Storage   string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
	RedisURL  string `env:"RATE_LIMIT_REDIS_URL"`

	// Per client limit on approve/reject/cancel.
	VotesPerMinute int `env:"RATE_LIMIT_VOTES_PER_MINUTE" envDefault:"60"`
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.GlobalRPS < 0 {
		return fmt.Errorf("rate limit GlobalRPS must be non-negative, got %d", r.GlobalRPS)
	}
	if r.GlobalRPS > 1000000 {
		return fmt.Errorf("rate limit GlobalRPS too high, maximum is 1,000,000, got %d", r.GlobalRPS)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("rate limit Storage must be 'memory' or 'redis', got '%s'", r.Storage)
	}
	if r.Storage == "redis" && r.RedisURL == "" {
		return fmt.Errorf("rate limit RedisURL is required when Storage is 'redis'")
	}
	return nil
}

type AuthzOptions struct {
	ModelPath  string `env:"AUTHZ_MODEL_PATH" envDefault:"config/access/model.conf"`
	PolicyPath string `env:"AUTHZ_POLICY_PATH" envDefault:"config/access/policy.csv"`
	Mode       string `env:"AUTHZ_MODE" envDefault:"shadow"`
}

type OutboxOptions struct {
	RelayEnabled         bool          `env:"OUTBOX_RELAY_ENABLED" envDefault:"true"`
	Table                string        `env:"OUTBOX_TABLE" envDefault:"public.approval_outbox"`
	RelayPollInterval    time.Duration `env:"OUTBOX_RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize       int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"100"`
	RelayLockTTL         time.Duration `env:"OUTBOX_RELAY_LOCK_TTL" envDefault:"60s"`
	RelayMaxAttempts     int           `env:"OUTBOX_RELAY_MAX_ATTEMPTS" envDefault:"25"`
	RelaySingleActive    bool          `env:"OUTBOX_RELAY_SINGLE_ACTIVE" envDefault:"true"`
	RelayDispatchTimeout time.Duration `env:"OUTBOX_RELAY_DISPATCH_TIMEOUT" envDefault:"30s"`

	LastErrorMaxBytes int `env:"OUTBOX_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"OUTBOX_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval  time.Duration `env:"OUTBOX_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"OUTBOX_CLEANER_RETENTION" envDefault:"168h"`
}

// ApprovalsOptions drives the approval gate rollout and the maintenance sweeps.
type ApprovalsOptions struct {
	// enabled|disabled. With an empty allowlist "enabled" covers every organization.
	RolloutMode          string        `env:"APPROVALS_ROLLOUT_MODE" envDefault:"enabled"`
	RolloutOrganizations string        `env:"APPROVALS_ROLLOUT_ORGANIZATIONS" envDefault:""`
	DefaultExpiresAfter  time.Duration `env:"APPROVALS_DEFAULT_EXPIRES_AFTER" envDefault:"336h"`
	ConditionMatch       string        `env:"APPROVALS_CONDITION_MATCH" envDefault:"any"`

	SchedulerEnabled bool   `env:"APPROVALS_SCHEDULER_ENABLED" envDefault:"true"`
	ExpireSchedule   string `env:"APPROVALS_EXPIRE_SCHEDULE" envDefault:"*/5 * * * *"`
	ValidateSchedule string `env:"APPROVALS_VALIDATE_SCHEDULE" envDefault:"0 * * * *"`
	SweepBatchSize   int    `env:"APPROVALS_SWEEP_BATCH_SIZE" envDefault:"500"`

	// Adds error type/message to 500 responses from the gate.
	DebugErrors bool `env:"APPROVALS_DEBUG_ERRORS" envDefault:"false"`
}

type Configuration struct {
	Database      DatabaseOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	RateLimit     RateLimitOptions
	Authz         AuthzOptions
	Outbox        OutboxOptions
	Approvals     ApprovalsOptions

	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`
	CorsOrigins      string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000"`
	PageSize         int    `env:"PAGE_SIZE" envDefault:"25"`
	MaxPageSize      int    `env:"MAX_PAGE_SIZE" envDefault:"100"`
	// Looked up on every request; a random uuidv4 is generated when absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`
	// Falls back to request.RemoteAddr when absent.
	RealIPHeader string `env:"REAL_IP_HEADER" envDefault:"X-Real-IP"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}
	if err := c.Approvals.Validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

// Validate normalizes the rollout mode and checks the allowlist and cron expressions.
func (a *ApprovalsOptions) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(a.RolloutMode))
	if mode == "" {
		mode = "disabled"
	}
	switch mode {
	case "disabled", "enabled":
	default:
		return fmt.Errorf("invalid APPROVALS_ROLLOUT_MODE=%q (expected disabled|enabled)", a.RolloutMode)
	}
	a.RolloutMode = mode

	match := strings.ToLower(strings.TrimSpace(a.ConditionMatch))
	if match == "" {
		match = "any"
	}
	switch match {
	case "any", "all":
	default:
		return fmt.Errorf("invalid APPROVALS_CONDITION_MATCH=%q (expected any|all)", a.ConditionMatch)
	}
	a.ConditionMatch = match

	for _, id := range a.RolloutOrganizationIDs() {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("invalid APPROVALS_ROLLOUT_ORGANIZATIONS entry=%q: %w", id, err)
		}
	}

	cron := gronx.New()
	if !cron.IsValid(a.ExpireSchedule) {
		return fmt.Errorf("invalid APPROVALS_EXPIRE_SCHEDULE=%q", a.ExpireSchedule)
	}
	if !cron.IsValid(a.ValidateSchedule) {
		return fmt.Errorf("invalid APPROVALS_VALIDATE_SCHEDULE=%q", a.ValidateSchedule)
	}
	if a.DefaultExpiresAfter <= 0 {
		return fmt.Errorf("APPROVALS_DEFAULT_EXPIRES_AFTER must be positive, got %s", a.DefaultExpiresAfter)
	}
	return nil
}

// RolloutOrganizationIDs splits the allowlist on commas and whitespace.
func (a *ApprovalsOptions) RolloutOrganizationIDs() []string {
	raw := strings.TrimSpace(a.RolloutOrganizations)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Configuration) CorsAllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CorsOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
