package cli

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
	"inspora/internal/services"
	"inspora/pkg/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the inspora automation engine",
	Long:  `Run the inspora automation engine`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Team{}, &models.Project{}, &models.Task{},
		&models.Automation{}, &models.AutomationRule{}, &models.AutomationAction{},
		&models.AutomationTrigger{}, &models.AutomationExecution{},
		&models.Notification{}, &models.AuditLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化服务
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

	scheduler := services.NewSchedulerService(db, appLogger, runner)
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(context.Background()); err != nil {
			appLogger.Warnf("start scheduler: %v", err)
		}
		defer scheduler.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(middleware.RateLimitMiddleware(cfg))

	handlers.RegisterHealthRoutes(router, handlers.NewHealthHandler(db))
	router.GET("/ws", wsHub.HandleWebSocket)

	api := router.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService, runner))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(runner))
	handlers.RegisterNotificationRoutes(api, handlers.NewNotificationHandler(notificationService))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

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
