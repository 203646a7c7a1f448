package handlers

import (
	"net/http"

	"inspora/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler 外部事件入口：事件源通过它把领域事件交给引擎
type EventHandler struct {
	runner *services.AutomationRunner
}

func NewEventHandler(runner *services.AutomationRunner) *EventHandler {
	return &EventHandler{runner: runner}
}

// IngestEvent 接收一个领域事件并运行所有被触发的自动化
func (h *EventHandler) IngestEvent(c *gin.Context) {
	var event services.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}
	if event.Action() == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: "action field required"})
		return
	}

	var actor *uint
	if id := actorID(c); id != 0 {
		actor = &id
	}
	executions, err := h.runner.HandleEvent(c.Request.Context(), event, actor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to handle event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"triggered":  len(executions),
		"executions": executions,
	})
}

// RegisterEventRoutes 注册路由
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.IngestEvent)
}
