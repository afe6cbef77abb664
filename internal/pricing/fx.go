package pricing

import (
	"github.com/railzwaylabs/credits/internal/pricing/repository"
	"github.com/railzwaylabs/credits/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
