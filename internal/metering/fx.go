package metering

import (
	"github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/railzwaylabs/credits/internal/metering/repository"
	"github.com/railzwaylabs/credits/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
