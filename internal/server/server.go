package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/trustscan/internal/config"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	"github.com/smallbiznis/trustscan/internal/observability"
	obsmiddleware "github.com/smallbiznis/trustscan/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	obstracing "github.com/smallbiznis/trustscan/internal/observability/tracing"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"github.com/smallbiznis/trustscan/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/trustscan/internal/reconcile/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine       *gin.Engine
	cfg          config.Config
	validate     *validator.Validate
	scanSvc      scandomain.Service
	ledgerSvc    ledgerdomain.Service
	reconcileSvc reconciledomain.Service
	catalog      plandomain.Catalog
	scanLimiter  *ratelimit.ScanLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	ScanSvc      scandomain.Service
	LedgerSvc    ledgerdomain.Service
	ReconcileSvc reconciledomain.Service
	Catalog      plandomain.Catalog
	ScanLimiter  *ratelimit.ScanLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		scanSvc:      p.ScanSvc,
		ledgerSvc:    p.LedgerSvc,
		reconcileSvc: p.ReconcileSvc,
		catalog:      p.Catalog,
		scanLimiter:  p.ScanLimiter,
	}
	svc.registerAPIRoutes()
	svc.registerPublicRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.Identify())

	api.GET("/plans", s.ListPlans)

	// -------- Scans --------
	api.POST("/scans", s.ScanSubmitRateLimit(), s.SubmitScan)
	api.GET("/scans", IdentityRequired(), s.ListScans)
	api.GET("/scans/:request_id", IdentityRequired(), s.GetScan)

	// -------- Ledger --------
	api.GET("/ledger", IdentityRequired(), s.GetLedger)
	api.POST("/ledger/refresh", IdentityRequired(), s.RefreshLedger)
}

func (s *Server) registerPublicRoutes() {
	public := s.engine.Group("/api/reports")
	public.GET("/:share_id", s.GetSharedReport)
}
