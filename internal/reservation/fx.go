package reservation

import (
	"github.com/railzwaylabs/credits/internal/reservation/repository"
	"github.com/railzwaylabs/credits/internal/reservation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reservation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
