package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/handler"
	"github.com/harry-school/offline-sync/internal/middleware"
	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/internal/repository"
	"github.com/harry-school/offline-sync/internal/service"
	"github.com/harry-school/offline-sync/pkg/cache"
	"github.com/harry-school/offline-sync/pkg/config"
	"github.com/harry-school/offline-sync/pkg/database"
	"github.com/harry-school/offline-sync/pkg/jobs"
	"github.com/harry-school/offline-sync/pkg/logger"
	reqidmiddleware "github.com/harry-school/offline-sync/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := database.NewSQLite(cfg.LocalStore.Path)
	if err != nil {
		logr.Fatal("failed to open local store", zap.Error(err))
	}
	defer local.Close()

	backendDB, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to configure backend", zap.Error(err))
	}
	defer backendDB.Close()

	metrics := service.NewMetricsService()

	queueRepo := repository.NewQueueRepository(local)
	kvRepo := repository.NewKVRepository(local)
	attendanceStore := repository.NewAttendanceStore(local)
	backendRepo := repository.NewBackendRepository(backendDB)

	// The strategic tier lives in Redis when configured and falls back to the local store.
	var strategicStore service.PersistentStore = kvRepo
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, strategic cache uses the local store", zap.Error(err))
	} else if redisClient != nil {
		defer redisClient.Close()
		strategicStore = repository.NewCacheRepository(redisClient)
	}

	refreshQueue := jobs.NewQueue("cache-refresh", jobs.RunFunc, jobs.QueueConfig{
		Workers: cfg.CacheRefreshWorkers,
		Logger:  logger.Component(logr, "jobs"),
	})
	refreshQueue.Start(ctx)
	defer refreshQueue.Stop()

	dashboardCache := service.NewCacheManager("dashboard", kvRepo, cfg.Dashboard, metrics,
		logger.Component(logr, "cache"), service.WithRefreshQueue(refreshQueue))
	strategicCache := service.NewCacheManager("strategic", strategicStore, cfg.Strategic, metrics,
		logger.Component(logr, "cache"), service.WithRefreshQueue(refreshQueue))
	for _, c := range []*service.CacheManager{dashboardCache, strategicCache} {
		if err := c.Restore(ctx); err != nil {
			logr.Warn("cache version not restored", zap.String("cache", c.Name()), zap.Error(err))
		}
	}

	network := service.NewNetworkMonitor(backendRepo, cfg.Network, metrics, logger.Component(logr, "network"))

	validate := validator.New()
	queueSvc := service.NewOfflineQueueService(
		queueRepo,
		service.NewBackendSyncer(backendRepo, logger.Component(logr, "syncer"), dashboardCache, strategicCache),
		service.NewPayloadValidator(validate),
		network,
		cfg.Queue,
		metrics,
		logger.Component(logr, "queue"),
	)
	attendanceSvc := service.NewAttendanceSyncService(service.AttendanceSyncParams{
		Store:     attendanceStore,
		Backend:   backendRepo,
		Validator: validate,
		Network:   network,
		Metrics:   metrics,
		Logger:    logger.Component(logr, "attendance"),
		Config:    cfg.Attendance,
	})
	dashboardSvc := service.NewDashboardService(backendRepo, dashboardCache, strategicCache, logger.Component(logr, "dashboard"))
	tokens := service.NewTokenService(cfg.JWT.Secret)

	var (
		background sync.WaitGroup
		bgMu       sync.Mutex
		stopping   bool
	)
	// syncAttendance may be called from listener callbacks racing with shutdown.
	syncAttendance := func(trigger string) {
		bgMu.Lock()
		defer bgMu.Unlock()
		if stopping || ctx.Err() != nil {
			return
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if _, err := attendanceSvc.SyncPending(ctx); err != nil {
				logr.Debug("attendance sync skipped", zap.String("trigger", trigger), zap.Error(err))
			}
		}()
	}

	network.Subscribe(queueSvc.OnNetworkChange)
	network.Subscribe(func(online bool) {
		if online {
			syncAttendance("reconnect")
		}
	})

	var subscriptions *service.SubscriptionService
	if cfg.Realtime.Enabled {
		listener := database.NewListener(cfg.Database, cfg.Realtime, network.HandleListenerEvent)
		subscriptions = service.NewSubscriptionService(listener, metrics, logger.Component(logr, "realtime"))
		if err := subscribeChanges(subscriptions, cfg.Realtime.Channels, attendanceSvc, dashboardSvc); err != nil {
			logr.Fatal("failed to subscribe to change feed", zap.Error(err))
		}
		subscriptions.OnReconnect(func() {
			if err := dashboardCache.InvalidateAll(ctx); err != nil {
				logr.Warn("dashboard invalidation after reconnect failed", zap.Error(err))
			}
			syncAttendance("feed-reconnect")
		})
		defer subscriptions.Close() //nolint:errcheck
	}

	background.Add(1)
	go func() {
		defer background.Done()
		network.Run(ctx)
	}()
	background.Add(1)
	go func() {
		defer background.Done()
		queueSvc.Run(ctx, cfg.Queue.DrainInterval)
	}()
	background.Add(1)
	go func() {
		defer background.Done()
		ticker := time.NewTicker(cfg.Queue.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				syncAttendance("interval")
			}
		}
	}()
	if subscriptions != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			subscriptions.Run(ctx)
		}()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics, "/health", "/ready", "/metrics"))

	metricsHandler := handler.NewMetricsHandler(metrics, network, map[string]handler.ReadinessCheck{
		"local_store": func(ctx context.Context) error { return local.PingContext(ctx) },
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	registerRoutes(r.Group(cfg.APIPrefix, middleware.JWT(tokens)), routeHandlers{
		queue:      handler.NewQueueHandler(queueSvc),
		attendance: handler.NewAttendanceHandler(attendanceSvc),
		dashboard:  handler.NewDashboardHandler(dashboardSvc),
		cache:      handler.NewCacheHandler(dashboardCache, strategicCache),
		metrics:    metricsHandler,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown", zap.Error(err))
	}
	bgMu.Lock()
	stopping = true
	bgMu.Unlock()
	background.Wait()
}

type routeHandlers struct {
	queue      *handler.QueueHandler
	attendance *handler.AttendanceHandler
	dashboard  *handler.DashboardHandler
	cache      *handler.CacheHandler
	metrics    *handler.MetricsHandler
}

func registerRoutes(api *gin.RouterGroup, h routeHandlers) {
	admin := middleware.RequireRoles(models.RoleAdmin)

	queue := api.Group("/queue")
	queue.POST("", h.queue.Enqueue)
	queue.GET("", h.queue.List)
	queue.GET("/stats", h.queue.Stats)
	queue.POST("/process", h.queue.Process)
	queue.POST("/retry", h.queue.Retry)
	queue.GET("/:id", h.queue.Get)
	queue.DELETE("/:id", h.queue.Remove)
	queue.DELETE("", admin, h.queue.Clear)

	attendance := api.Group("/attendance")
	attendance.POST("", h.attendance.Mark)
	attendance.POST("/sync", h.attendance.Sync)
	attendance.GET("/pending", h.attendance.Pending)
	attendance.GET("/conflicts", h.attendance.Conflicts)
	attendance.POST("/conflicts/:id/resolve", h.attendance.Resolve)

	dashboard := api.Group("/dashboard")
	dashboard.GET("/classes/:classId/attendance", h.dashboard.ClassAttendance)
	dashboard.GET("/teachers/:teacherId", h.dashboard.TeacherOverview)

	api.GET("/cache/stats", h.cache.Stats)
	api.POST("/cache/invalidate", admin, h.cache.Invalidate)
	api.GET("/network", h.metrics.Network)
}

// subscribeChanges routes attendance change events to conflict handling and
// dashboard invalidation.
func subscribeChanges(subs *service.SubscriptionService, channels []string, attendance *service.AttendanceSyncService, dashboard *service.DashboardService) error {
	for _, channel := range channels {
		if _, err := subs.Subscribe(channel, attendance.HandleChange); err != nil {
			return err
		}
		if _, err := subs.Subscribe(channel, dashboard.HandleChange); err != nil {
			return err
		}
	}
	return nil
}
