package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/railzwaylabs/credits/internal/config"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(registerHTTPServer),
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Config         config.Config
	Metrics        *observability.Metrics `optional:"true"`
	Wallets        walletdomain.Service
	Ledger         ledgerdomain.Service
	Metering       meteringdomain.Service
	Reservations   reservationdomain.Service
	Reconciliation reconciliationdomain.Service
}

type Server struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            config.Config
	metrics        *observability.Metrics
	engine         *gin.Engine
	walletSvc      walletdomain.Service
	ledgerSvc      ledgerdomain.Service
	meteringSvc    meteringdomain.Service
	reservationSvc reservationdomain.Service
	reconcileSvc   reconciliationdomain.Service
}

func NewServer(p Params) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		db:             p.DB,
		log:            p.Log.Named("server"),
		cfg:            p.Config,
		metrics:        p.Metrics,
		engine:         gin.New(),
		walletSvc:      p.Wallets,
		ledgerSvc:      p.Ledger,
		meteringSvc:    p.Metering,
		reservationSvc: p.Reservations,
		reconcileSvc:   p.Reconciliation,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.Use(gin.Recovery(), s.RequestLogger())

	s.engine.GET("/healthz", s.Healthz)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.engine.Group("/v1", s.TenantRequired())

	v1.GET("/wallets/balance", s.GetWalletBalance)
	v1.POST("/wallets/topup", s.TopUpWallet)
	v1.POST("/wallets/grant", s.GrantCredits)
	v1.GET("/wallets/:id/ledger", s.ListLedger)
	v1.GET("/wallets/:id/ledger/export", s.ExportLedger)
	v1.GET("/wallets/:id/drift", s.CheckWalletDrift)

	v1.POST("/usage-events", s.SubmitUsage)
	v1.GET("/usage-events/:key", s.GetUsageEvent)
	v1.POST("/usage-events/:key/void", s.VoidUsage)
	v1.POST("/usage-events/:key/reconcile", s.ReconcileUsage)

	v1.POST("/reservations", s.CreateReservation)
	v1.GET("/reservations/:id", s.GetReservation)
	v1.POST("/reservations/:id/settle", s.SettleReservation)
	v1.POST("/reservations/:id/release", s.ReleaseReservation)
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func registerHTTPServer(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
