package application

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

var ErrNoMigrationDSN = errors.New("migrations: database DSN is not configured")

type schema struct {
	module string
	fsys   *embed.FS
	dir    string
}

// NewMigrationManager runs goose migrations per module. Every module keeps its
// own version table so module-local version numbers never collide.
func NewMigrationManager(dsn string, logger *logrus.Logger) MigrationManager {
	return &migrationManager{dsn: dsn, logger: logger}
}

type migrationManager struct {
	dsn     string
	logger  *logrus.Logger
	schemas []schema
}

// goose keeps base FS and table name in package globals.
var gooseMu sync.Mutex

func VersionTable(module string) string {
	return "goose_db_version_" + module
}

func (m *migrationManager) RegisterSchema(module string, fsys *embed.FS, dir string) {
	m.schemas = append(m.schemas, schema{module: module, fsys: fsys, dir: dir})
}

func (m *migrationManager) Run() error {
	return m.each(false, func(db *sql.DB, s schema) error {
		return goose.Up(db, s.dir)
	})
}

func (m *migrationManager) Rollback() error {
	return m.each(true, func(db *sql.DB, s schema) error {
		return goose.Down(db, s.dir)
	})
}

func (m *migrationManager) Status() error {
	return m.each(false, func(db *sql.DB, s schema) error {
		return goose.Status(db, s.dir)
	})
}

func (m *migrationManager) each(reverse bool, fn func(*sql.DB, schema) error) error {
	if m.dsn == "" {
		return ErrNoMigrationDSN
	}
	db, err := sql.Open("postgres", m.dsn)
	if err != nil {
		return fmt.Errorf("migrations: open: %w", err)
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	schemas := m.schemas
	if reverse {
		schemas = make([]schema, len(m.schemas))
		for i, s := range m.schemas {
			schemas[len(m.schemas)-1-i] = s
		}
	}
	for _, s := range schemas {
		goose.SetBaseFS(s.fsys)
		goose.SetTableName(VersionTable(s.module))
		m.logger.WithField("module", s.module).Info("running migrations")
		if err := fn(db, s); err != nil {
			return fmt.Errorf("migrations: %s: %w", s.module, err)
		}
	}
	return nil
}
