package main

import (
	"context"
	"os/signal"
	"syscall"

	"whatsapp-platform/internal/api"
	"whatsapp-platform/internal/audience"
	"whatsapp-platform/internal/automation"
	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/database"
	"whatsapp-platform/internal/dedup"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/internal/dispatcher"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/repository"
	"whatsapp-platform/internal/sender"
	"whatsapp-platform/internal/webhook"
	"whatsapp-platform/internal/whatsapp"
	"whatsapp-platform/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	store := repository.NewGormStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(ratelimit.Options{
		Burst:      cfg.Engine.RateBurst,
		PerSec:     cfg.Engine.RatePerSec,
		TierBurst:  cfg.Engine.TierBurst,
		TierPerSec: cfg.Engine.TierPerSec,
	})
	seedTiers(ctx, store, limiter, log)

	var dd dedup.Store
	if cfg.RedisAddr != "" {
		dd = dedup.NewRedis(cfg.RedisAddr)
		log.Info("dedup store: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		dd = dedup.NewMemory()
		log.Info("dedup store: in-memory")
	}

	provider := whatsapp.NewClient(cfg)
	pool := sender.NewPool(provider, limiter, cfg.Engine, log)
	pool.Start(ctx)

	hub := ws.NewHub(log)
	go hub.Run()

	tracker := delivery.NewTracker(store, hub, log)
	resolver := audience.NewResolver(store)

	disp := dispatcher.New(store, resolver, pool, tracker, dd, hub, cfg.Engine, log)
	go disp.Run(ctx)

	engine := automation.NewEngine(store, pool, tracker, dd, cfg.Engine, log)

	webhookHandler := webhook.NewHandler(cfg, tracker, engine, log)
	accountHandler := api.NewAccountHandler(store, limiter, log)
	audienceHandler := api.NewAudienceHandler(store, log)
	campaignHandler := api.NewCampaignHandler(store, disp, log)
	automationHandler := api.NewAutomationHandler(store, log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/accounts", accountHandler.CreateAccount)
		apiGroup.GET("/accounts/:id", accountHandler.GetAccount)
		apiGroup.POST("/accounts/:id/phone-numbers", accountHandler.RegisterPhoneNumber)
		apiGroup.GET("/accounts/:id/phone-numbers", accountHandler.ListPhoneNumbers)

		apiGroup.POST("/audiences", audienceHandler.CreateAudience)
		apiGroup.GET("/audiences", audienceHandler.ListAudiences)
		apiGroup.GET("/audiences/:id", audienceHandler.GetAudience)
		apiGroup.POST("/audiences/:id/recipients", audienceHandler.AddRecipients)
		apiGroup.GET("/audiences/:id/recipients", audienceHandler.ListRecipients)

		apiGroup.POST("/campaigns", campaignHandler.CreateCampaign)
		apiGroup.GET("/campaigns", campaignHandler.ListCampaigns)
		apiGroup.GET("/campaigns/:id", campaignHandler.GetCampaign)
		apiGroup.POST("/campaigns/:id/schedule", campaignHandler.ScheduleCampaign)
		apiGroup.POST("/campaigns/:id/cancel", campaignHandler.CancelCampaign)
		apiGroup.GET("/campaigns/:id/messages", campaignHandler.GetCampaignMessages)

		apiGroup.POST("/automations", automationHandler.CreateAutomation)
		apiGroup.GET("/automations", automationHandler.ListAutomations)
		apiGroup.GET("/automations/:id", automationHandler.GetAutomation)
		apiGroup.POST("/automations/:id/toggle", automationHandler.ToggleAutomation)
	}

	log.Info("server starting", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

// seedTiers loads registered phone numbers so their rate buckets start at
// the declared tier instead of the global default.
func seedTiers(ctx context.Context, store *repository.GormStore, limiter *ratelimit.Limiter, log *zap.Logger) {
	phones, err := store.AllPhoneNumbers(ctx)
	if err != nil {
		log.Warn("rate tier seed skipped", zap.Error(err))
		return
	}
	for _, p := range phones {
		if p.RateTier != "" {
			limiter.SetTier(p.PhoneNumberID, p.RateTier)
		}
	}
}
