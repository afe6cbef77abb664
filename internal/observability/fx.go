package observability

import (
	"context"

	"github.com/railzwaylabs/credits/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(NewLogger),
	fx.Provide(func(cfg config.Config) (*Metrics, error) {
		if !cfg.Observability.MetricsEnabled {
			return nil, nil
		}
		return NewMetrics()
	}),
	fx.Invoke(registerTracing),
)

func registerTracing(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fn, err := SetupTracing(ctx, cfg.Observability)
			if err != nil {
				return err
			}
			shutdown = fn
			if cfg.Observability.TracingEnabled {
				log.Info("tracing enabled", zap.String("endpoint", cfg.Observability.OTLPEndpoint))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(ctx)
		},
	})
}
