package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"github.com/smallbiznis/usagegate/internal/authorization"
	billingsyncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	"github.com/smallbiznis/usagegate/internal/config"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/observability"
	obsmiddleware "github.com/smallbiznis/usagegate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/usagegate/internal/observability/tracing"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		QuietRoutes:     []string{"/health", "/metrics", "/api/meters/:id/live"},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	authzSvc        authorization.Service
	meterSvc        meterdomain.Service
	tierSvc         tierdomain.Service
	usageSvc        usagedomain.Service
	enforcementSvc  enforcementdomain.Service
	alertSvc        alertdomain.Service
	overageSvc      overagedomain.Service
	billingSyncSvc  billingsyncdomain.Service
	liveMeterEvents *liveevents.Hub
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger

	AuthzSvc        authorization.Service `optional:"true"`
	MeterSvc        meterdomain.Service
	TierSvc         tierdomain.Service
	UsageSvc        usagedomain.Service
	EnforcementSvc  enforcementdomain.Service
	AlertSvc        alertdomain.Service
	OverageSvc      overagedomain.Service
	BillingSyncSvc  billingsyncdomain.Service
	LiveMeterEvents *liveevents.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		meterSvc:        p.MeterSvc,
		tierSvc:         p.TierSvc,
		usageSvc:        p.UsageSvc,
		enforcementSvc:  p.EnforcementSvc,
		alertSvc:        p.AlertSvc,
		overageSvc:      p.OverageSvc,
		billingSyncSvc:  p.BillingSyncSvc,
		liveMeterEvents: p.LiveMeterEvents,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterAPIRoutes mounts the creator-scoped API. Every route requires the
// gateway identity headers.
func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(CreatorContext())

	meters := api.Group("/meters")
	{
		meters.POST("", s.authorize(authorization.ObjectMeter, authorization.ActionMeterCreate), s.CreateMeter)
		meters.GET("", s.authorize(authorization.ObjectMeter, authorization.ActionMeterView), s.ListMeters)
		meters.GET("/:id", s.authorize(authorization.ObjectMeter, authorization.ActionMeterView), s.GetMeterByID)
		meters.DELETE("/:id", s.authorize(authorization.ObjectMeter, authorization.ActionMeterUpdate), s.DeleteMeter)
		meters.PUT("/:id/limits", s.authorize(authorization.ObjectMeter, authorization.ActionMeterUpdate), s.UpsertPlanLimit)
		meters.GET("/:id/summary", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageSummary)
		meters.GET("/:id/live", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.StreamMeterLiveEvents)
		meters.POST("/:id/alerts/check", s.authorize(authorization.ObjectAlert, authorization.ActionAlertView), s.CheckLimits)
		meters.GET("/:id/alerts", s.authorize(authorization.ObjectAlert, authorization.ActionAlertView), s.ListAlerts)
	}

	api.POST("/alerts/:id/acknowledge", s.authorize(authorization.ObjectAlert, authorization.ActionAlertAcknowledge), s.AcknowledgeAlert)

	tiers := api.Group("/tiers")
	{
		tiers.POST("", s.authorize(authorization.ObjectTier, authorization.ActionTierManage), s.CreateTier)
		tiers.GET("", s.authorize(authorization.ObjectTier, authorization.ActionTierView), s.ListTiers)
		tiers.GET("/:id", s.authorize(authorization.ObjectTier, authorization.ActionTierView), s.GetTierByID)
		tiers.POST("/:id/default", s.authorize(authorization.ObjectTier, authorization.ActionTierManage), s.SetDefaultTier)
	}

	api.POST("/tier-assignments", s.authorize(authorization.ObjectTier, authorization.ActionTierAssign), s.AssignTier)
	api.GET("/customers/:customer_id/tier", s.authorize(authorization.ObjectTier, authorization.ActionTierView), s.GetCustomerTier)
	api.DELETE("/customers/:customer_id/tier", s.authorize(authorization.ObjectTier, authorization.ActionTierAssign), s.CancelCustomerTier)

	api.POST("/usage", s.authorize(authorization.ObjectUsage, authorization.ActionUsageIngest), s.TrackUsage)
	api.GET("/usage/events", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsageEvents)

	api.POST("/enforcement/check", s.authorize(authorization.ObjectEnforcement, authorization.ActionEnforcementCheck), s.CheckEnforcement)

	api.POST("/overages/calculate", s.authorize(authorization.ObjectOverage, authorization.ActionOverageCalculate), s.CalculateOverages)
	api.GET("/overages", s.authorize(authorization.ObjectOverage, authorization.ActionOverageView), s.ListOverages)

	billing := api.Group("/billing")
	{
		billing.POST("/cycles", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingCycleProcess), s.ProcessBillingCycle)
		billing.POST("/usage-sync", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingCycleProcess), s.SyncMeteredUsage)
		billing.GET("/syncs", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingSyncView), s.ListBillingSyncs)
		billing.GET("/syncs/failed", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingSyncView), s.ListFailedBillingSyncs)
		billing.GET("/syncs/:id", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingSyncView), s.GetBillingSync)
		billing.POST("/syncs/:id/retry", s.authorize(authorization.ObjectBillingSync, authorization.ActionBillingSyncRetry), s.RetryBillingSync)
	}
}
