package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inspora/internal/config"
	"inspora/internal/handlers"
	"inspora/internal/middleware"
	"inspora/internal/models"
	"inspora/internal/observability"
	"inspora/internal/services"
	"inspora/pkg/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	// 构建 Postgres DSN 并连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	// 根据需要迁移（此处默认迁移，生产可改为条件控制）
	if err := db.AutoMigrate(
		&models.User{}, &models.Team{}, &models.Project{}, &models.Task{},
		&models.Automation{}, &models.AutomationRule{}, &models.AutomationAction{},
		&models.AutomationTrigger{}, &models.AutomationExecution{},
		&models.Notification{}, &models.AuditLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化业务服务
	wsHub := services.NewWebSocketHub(appLogger)
	go wsHub.Run()

	webhookClient := webhook.NewClient(&webhook.Config{
		Timeout:    cfg.Webhook.Timeout,
		MaxRetries: cfg.Webhook.MaxRetries,
		UserAgent:  cfg.Webhook.UserAgent,
	}, appLogger)

	auditService := services.NewAuditService(db, appLogger)
	notificationService := services.NewNotificationService(db, appLogger, wsHub)
	executor := services.NewActionExecutor(db, appLogger, notificationService, webhookClient)
	runner := services.NewAutomationRunner(db, appLogger, executor)
	automationService := services.NewAutomationService(db, appLogger, auditService, services.EngineDefaults{
		MaxExecutionsPerHour: cfg.Engine.DefaultMaxExecutionsPerHour,
		ExecutionTimeout:     cfg.Engine.DefaultExecutionTimeout,
	})

	// 定时触发调度（可选）
	scheduler := services.NewSchedulerService(db, appLogger, runner)
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(context.Background()); err != nil {
			appLogger.Warnf("start scheduler: %v", err)
		}
		defer scheduler.Stop()
		if cfg.Scheduler.ReloadInterval > 0 {
			go func() {
				ticker := time.NewTicker(cfg.Scheduler.ReloadInterval)
				defer ticker.Stop()
				for range ticker.C {
					if err := scheduler.Reload(context.Background()); err != nil {
						appLogger.Warnf("reload scheduler: %v", err)
					}
				}
			}()
		}
	}

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查与指标
	healthHandler := handlers.NewHealthHandler(db)
	handlers.RegisterHealthRoutes(r, healthHandler)

	// WebSocket 通知流
	r.GET("/ws", wsHub.HandleWebSocket)

	// API 路由组
	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService, runner))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(runner))
	handlers.RegisterNotificationRoutes(api, handlers.NewNotificationHandler(notificationService))

	// 启动服务器
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
