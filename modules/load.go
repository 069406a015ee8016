package modules

import (
	"github.com/iota-uz/approvalgate/modules/approvals"
	"github.com/iota-uz/approvalgate/modules/flags"
	"github.com/iota-uz/approvalgate/pkg/application"
)

// BuiltInModules are loaded in order: approvals resolves the flags service.
func BuiltInModules(opts *approvals.ModuleOptions) []application.Module {
	return []application.Module{
		flags.NewModule(),
		approvals.NewModule(opts),
	}
}

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range externalModules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}
