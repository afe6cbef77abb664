package entitlement

import (
	"github.com/railzwaylabs/credits/internal/entitlement/repository"
	"github.com/railzwaylabs/credits/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
