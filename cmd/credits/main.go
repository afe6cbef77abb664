package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	"github.com/railzwaylabs/credits/internal/entitlement"
	"github.com/railzwaylabs/credits/internal/ledger"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	"github.com/railzwaylabs/credits/internal/metering"
	"github.com/railzwaylabs/credits/internal/migration"
	"github.com/railzwaylabs/credits/internal/observability"
	"github.com/railzwaylabs/credits/internal/pricing"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	"github.com/railzwaylabs/credits/internal/reconciliation"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	"github.com/railzwaylabs/credits/internal/redis"
	"github.com/railzwaylabs/credits/internal/reservation"
	"github.com/railzwaylabs/credits/internal/scheduler"
	"github.com/railzwaylabs/credits/internal/server"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"github.com/railzwaylabs/credits/internal/wallet"
	"github.com/railzwaylabs/credits/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type rootOptions struct {
	configFile string
	envFile    string
	nodeID     int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "credits",
		Short:         "Usage-based credit ledger and metering engine",
		Version:       readVersionFromEnv(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to credits.yaml")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "path to a .env file")
	root.PersistentFlags().Int64Var(&opts.nodeID, "node-id", 1, "snowflake node id of this process")

	root.AddCommand(
		newMigrateCmd(opts),
		newServeCmd(opts),
		newSchedulerCmd(opts),
		newAllCmd(opts),
		newSweepReservationsCmd(opts),
		newReconcileCmd(opts),
		newCheckDriftCmd(opts),
	)
	return root
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts)
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(opts,
				migration.AutoModule,
				fx.Invoke(seedPricing),
				server.Module,
			)
		},
	}
}

func newSchedulerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run background jobs: reservation expiry, reconciliation, drift checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(opts,
				migration.AutoModule,
				scheduler.Module,
				fx.Invoke(startScheduler),
			)
		},
	}
}

func newAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then the HTTP API and the scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(opts); err != nil {
				return err
			}
			return runApp(opts,
				fx.Invoke(seedPricing),
				server.Module,
				scheduler.Module,
				fx.Invoke(startScheduler),
			)
		},
	}
}

func newSweepReservationsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-reservations",
		Short: "Release expired reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, func(ctx context.Context, in oneShot) error {
				return in.Scheduler.RunOnce(ctx, scheduler.JobExpireReservations)
			})
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var (
		tenantID string
		eventID  string
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one usage event, or sweep the lookback window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, func(ctx context.Context, in oneShot) error {
				if eventID == "" {
					window := since
					if window <= 0 {
						window = in.Config.Reconciliation.Lookback
					}
					report, err := in.Reconciliation.RunSweep(ctx, time.Now().Add(-window))
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d adjusted=%d unchanged=%d failed=%d\n",
						report.Scanned, report.Adjusted, report.Unchanged, report.Failed)
					return nil
				}

				ctx, id, err := tenantScoped(ctx, tenantID, eventID)
				if err != nil {
					return err
				}
				res, err := in.Reconciliation.Reconcile(ctx, id, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s original=%d recomputed=%d delta=%d\n",
					res.Outcome, res.OriginalCost, res.RecomputedCost, res.Delta)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant owning the event")
	cmd.Flags().StringVar(&eventID, "event-id", "", "usage event to reconcile")
	cmd.Flags().DurationVar(&since, "since", 0, "sweep window, defaults to reconciliation.lookback")
	return cmd
}

func newCheckDriftCmd(opts *rootOptions) *cobra.Command {
	var tenantID, walletID string
	cmd := &cobra.Command{
		Use:   "check-drift",
		Short: "Compare cached wallet balances with the ledger fold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, func(ctx context.Context, in oneShot) error {
				if walletID == "" {
					reports, err := in.Ledger.CheckAllDrift(ctx)
					if err != nil {
						return err
					}
					for _, r := range reports {
						fmt.Fprintf(cmd.OutOrStdout(), "wallet=%s current_drift=%d reserved_drift=%d\n",
							r.WalletID, r.CurrentDrift, r.ReservedDrift)
					}
					if len(reports) > 0 {
						return fmt.Errorf("%d wallets drifted", len(reports))
					}
					return nil
				}

				ctx, id, err := tenantScoped(ctx, tenantID, walletID)
				if err != nil {
					return err
				}
				report, err := in.Ledger.CheckDrift(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wallet=%s current_drift=%d reserved_drift=%d\n",
					report.WalletID, report.CurrentDrift, report.ReservedDrift)
				if report.HasDrift() {
					return errors.New("wallet drifted")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant owning the wallet")
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "check a single wallet")
	return cmd
}

func baseModules(opts *rootOptions) fx.Option {
	return fx.Options(
		config.NewModule(config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile}),
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(registerSnowflake(opts.nodeID)),
		db.Module,
		clock.Module,
	)
}

func domainModules() fx.Option {
	return fx.Options(
		redis.Module,
		wallet.Module,
		ledger.Module,
		pricing.Module,
		entitlement.Module,
		metering.Module,
		reservation.Module,
		reconciliation.Module,
	)
}

func runMigrate(opts *rootOptions) error {
	app := fx.New(
		baseModules(opts),
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	return app.Stop(context.Background())
}

func runApp(opts *rootOptions, extra ...fx.Option) error {
	app := fx.New(
		baseModules(opts),
		domainModules(),
		fx.Options(extra...),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

type oneShot struct {
	fx.In

	Config         config.Config
	Scheduler      *scheduler.Scheduler
	Ledger         ledgerdomain.Service
	Reconciliation reconciliationdomain.Service
}

func runOnce(opts *rootOptions, fn func(ctx context.Context, in oneShot) error) error {
	var in oneShot
	app := fx.New(
		baseModules(opts),
		domainModules(),
		scheduler.Module,
		fx.Populate(&in),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	return fn(context.Background(), in)
}

func startScheduler(lc fx.Lifecycle, s *scheduler.Scheduler, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := s.RunForever(ctx); err != nil {
					log.Error("scheduler exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func seedPricing(lc fx.Lifecycle, cfg config.Config, prices pricingdomain.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if len(cfg.Pricing.Seed) == 0 {
				return nil
			}
			created, err := prices.SeedDefaults(ctx, cfg.Pricing.Seed)
			if err != nil {
				return fmt.Errorf("seed pricing catalog: %w", err)
			}
			log.Info("pricing catalog seeded", zap.Int("created", created))
			return nil
		},
	})
}

func registerSnowflake(nodeID int64) func() (*snowflake.Node, error) {
	return func() (*snowflake.Node, error) {
		return snowflake.NewNode(nodeID)
	}
}

func tenantScoped(ctx context.Context, rawTenant, rawID string) (context.Context, snowflake.ID, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(rawTenant))
	if err != nil || tenantID <= 0 {
		return nil, 0, errors.New("--tenant-id is required")
	}
	id, err := snowflake.ParseString(strings.TrimSpace(rawID))
	if err != nil || id <= 0 {
		return nil, 0, fmt.Errorf("invalid id %q", rawID)
	}
	return tenantcontext.WithTenantID(ctx, tenantID), id, nil
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
