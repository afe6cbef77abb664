package wallet

import (
	"github.com/railzwaylabs/credits/internal/wallet/domain"
	"github.com/railzwaylabs/credits/internal/wallet/repository"
	"github.com/railzwaylabs/credits/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
