package flags

import (
	"embed"

	"github.com/iota-uz/approvalgate/modules/flags/infrastructure/persistence"
	"github.com/iota-uz/approvalgate/modules/flags/presentation/controllers"
	"github.com/iota-uz/approvalgate/modules/flags/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

//go:embed infrastructure/persistence/schema/*.sql
var MigrationFiles embed.FS

const SchemaDir = "infrastructure/persistence/schema"

func NewModule() application.Module {
	return &Module{}
}

type Module struct {
}

func (m *Module) Register(app application.Application) error {
	app.Migrations().RegisterSchema(m.Name(), &MigrationFiles, SchemaDir)
	app.RegisterServices(
		services.NewFlagService(persistence.NewFeatureFlagRepository(), composables.NewTransactor()),
	)
	app.RegisterControllers(
		controllers.NewFeatureFlagController(app),
	)
	return nil
}

func (m *Module) Name() string {
	return "flags"
}
