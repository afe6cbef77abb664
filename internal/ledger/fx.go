package ledger

import (
	"github.com/railzwaylabs/credits/internal/ledger/repository"
	"github.com/railzwaylabs/credits/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
