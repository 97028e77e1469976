package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/config"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/kredit/internal/metering/domain"
	"github.com/smallbiznis/kredit/internal/observability"
	obsmiddleware "github.com/smallbiznis/kredit/internal/observability/logger"
	obstracing "github.com/smallbiznis/kredit/internal/observability/tracing"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	meteringSvc   meteringdomain.Service
	accountSvc    accountdomain.Service
	ledgerSvc     ledgerdomain.Service
	registrySvc   registrydomain.Service
	settlementSvc settlementdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	MeteringSvc   meteringdomain.Service
	AccountSvc    accountdomain.Service
	LedgerSvc     ledgerdomain.Service
	RegistrySvc   registrydomain.Service
	SettlementSvc settlementdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		meteringSvc:   p.MeteringSvc,
		accountSvc:    p.AccountSvc,
		ledgerSvc:     p.LedgerSvc,
		registrySvc:   p.RegistrySvc,
		settlementSvc: p.SettlementSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/actions", s.AuthorizeAction)
	v1.GET("/actions/costs", s.ListActionCosts)

	v1.POST("/tenants", s.ProvisionAccount)
	v1.GET("/tenants/:tenant_id/account", s.GetAccount)
	v1.GET("/tenants/:tenant_id/transactions", s.ListTransactions)

	v1.GET("/packages", s.ListPackages)
	v1.POST("/webhooks/payments/:provider", s.PaymentWebhook)
}
