package handlers

import (
	"net/http"
	"time"

	"inspora/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查与引擎指标快照
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health 健康检查
func (h *HealthHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err != nil || sqlDB.Ping() != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// EngineMetrics 引擎计数器快照
func (h *HealthHandler) EngineMetrics(c *gin.Context) {
	events, skips, byStatus := metrics.EngineSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"events_handled":   events,
		"rate_limit_skips": skips,
		"executions":       byStatus,
	})
}

// RegisterHealthRoutes 注册路由
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/metrics/engine", handler.EngineMetrics)
}
