// Package stack wires every service by hand over a testutil database, the
// way fx does in production.
package stack

import (
	"context"
	"testing"

	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	entitlementrepo "github.com/railzwaylabs/credits/internal/entitlement/repository"
	entitlementservice "github.com/railzwaylabs/credits/internal/entitlement/service"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	ledgerrepo "github.com/railzwaylabs/credits/internal/ledger/repository"
	ledgerservice "github.com/railzwaylabs/credits/internal/ledger/service"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	meteringrepo "github.com/railzwaylabs/credits/internal/metering/repository"
	meteringservice "github.com/railzwaylabs/credits/internal/metering/service"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	pricingrepo "github.com/railzwaylabs/credits/internal/pricing/repository"
	pricingservice "github.com/railzwaylabs/credits/internal/pricing/service"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	reconciliationservice "github.com/railzwaylabs/credits/internal/reconciliation/service"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	reservationrepo "github.com/railzwaylabs/credits/internal/reservation/repository"
	reservationservice "github.com/railzwaylabs/credits/internal/reservation/service"
	"github.com/railzwaylabs/credits/internal/testutil"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	walletrepo "github.com/railzwaylabs/credits/internal/wallet/repository"
	walletservice "github.com/railzwaylabs/credits/internal/wallet/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type Stack struct {
	*testutil.Env

	WalletRepo  walletdomain.Repository
	LedgerRepo  ledgerdomain.Repository
	EventRepo   meteringdomain.Repository
	Wallets     *walletservice.Service
	Ledger      ledgerdomain.Service
	Pricing     pricingdomain.Service
	Entitlement entitlementdomain.Service
	Metering    *meteringservice.Service
	Reservation reservationdomain.Service
	Recon       reconciliationdomain.Service
}

type Option func(*meteringservice.ServiceParam)

// WithGuard installs an in-flight guard on the metering service.
func WithGuard(g meteringservice.InflightGuard) Option {
	return func(p *meteringservice.ServiceParam) { p.Guard = g }
}

func New(t testing.TB, opts ...Option) *Stack {
	t.Helper()
	env := testutil.New(t)
	return Build(env, opts...)
}

// Build wires services over env; callers may adjust env.Cfg first.
func Build(env *testutil.Env, opts ...Option) *Stack {
	s := &Stack{
		Env:        env,
		WalletRepo: walletrepo.Provide(),
		LedgerRepo: ledgerrepo.Provide(),
		EventRepo:  meteringrepo.Provide(),
	}

	s.Wallets = walletservice.NewService(walletservice.ServiceParam{
		DB:         env.DB,
		Log:        env.Log,
		Config:     env.Cfg,
		Clock:      env.Clock,
		GenID:      env.Node,
		Repo:       s.WalletRepo,
		LedgerRepo: s.LedgerRepo,
	})
	s.Ledger = ledgerservice.NewService(ledgerservice.ServiceParam{
		DB:         env.DB,
		Log:        env.Log,
		Config:     env.Cfg,
		Clock:      env.Clock,
		Repo:       s.LedgerRepo,
		WalletRepo: s.WalletRepo,
	})
	s.Pricing = pricingservice.NewService(pricingservice.ServiceParam{
		DB:    env.DB,
		Log:   env.Log,
		Clock: env.Clock,
		GenID: env.Node,
		Repo:  pricingrepo.Provide(),
	})
	s.Entitlement = entitlementservice.NewService(entitlementservice.ServiceParam{
		DB:     env.DB,
		Log:    env.Log,
		Config: env.Cfg,
		Clock:  env.Clock,
		GenID:  env.Node,
		Repo:   entitlementrepo.Provide(),
	})

	mp := meteringservice.ServiceParam{
		DB:           env.DB,
		Log:          env.Log,
		Config:       env.Cfg,
		Clock:        env.Clock,
		GenID:        env.Node,
		Repo:         s.EventRepo,
		WalletRepo:   s.WalletRepo,
		LedgerRepo:   s.LedgerRepo,
		Wallets:      s.Wallets,
		Pricing:      s.Pricing,
		Entitlements: s.Entitlement,
	}
	for _, opt := range opts {
		opt(&mp)
	}
	s.Metering = meteringservice.NewService(mp)

	s.Reservation = reservationservice.NewService(reservationservice.ServiceParam{
		DB:         env.DB,
		Log:        env.Log,
		Config:     env.Cfg,
		Clock:      env.Clock,
		GenID:      env.Node,
		Repo:       reservationrepo.Provide(),
		WalletRepo: s.WalletRepo,
		LedgerRepo: s.LedgerRepo,
		Wallets:    s.Wallets,
		Metering:   s.Metering,
	})
	s.Recon = reconciliationservice.NewService(reconciliationservice.ServiceParam{
		DB:       env.DB,
		Log:      env.Log,
		Config:   env.Cfg,
		Clock:    env.Clock,
		Events:   s.EventRepo,
		Metering: s.Metering,
	})
	return s
}

// Fund tops up the caller's tenant wallet.
func (s *Stack) Fund(t testing.TB, ctx context.Context, amount int64) *walletdomain.FundResult {
	t.Helper()
	res, err := s.Wallets.TopUp(ctx, walletdomain.FundRequest{
		Amount:         amount,
		IdempotencyKey: s.Node.Generate().String(),
	})
	require.NoError(t, err)
	return res
}

// Price adds a global catalog rate effective from the test epoch.
func (s *Stack) Price(t testing.TB, category, provider, model, unit, unitPrice string) *pricingdomain.Price {
	t.Helper()
	p, err := s.Pricing.Upsert(context.Background(), pricingdomain.UpsertRequest{
		Key:           pricingdomain.Key{Category: category, Provider: provider, Model: model, Unit: unit},
		Global:        true,
		UnitPrice:     decimal.RequireFromString(unitPrice),
		Currency:      "CREDIT",
		EffectiveFrom: testutil.Epoch.AddDate(0, -1, 0),
	})
	require.NoError(t, err)
	return p
}

// Balance reads the tenant wallet from ctx.
func (s *Stack) Balance(t testing.TB, ctx context.Context) *walletdomain.Balance {
	t.Helper()
	b, err := s.Wallets.GetBalance(ctx, nil)
	require.NoError(t, err)
	return b
}

// AssertNoDrift checks the cached balance of the tenant wallet in ctx
// against its ledger fold.
func (s *Stack) AssertNoDrift(t testing.TB, ctx context.Context) {
	t.Helper()
	b := s.Balance(t, ctx)
	report, err := s.Ledger.CheckDrift(ctx, b.WalletID)
	require.NoError(t, err)
	require.False(t, report.HasDrift(), "drift: %+v", report)
}
