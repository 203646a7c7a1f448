package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"inspora/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 管理自动化配置与执行记录
type AutomationHandler struct {
	service *services.AutomationService
	runner  *services.AutomationRunner
}

func NewAutomationHandler(service *services.AutomationService, runner *services.AutomationRunner) *AutomationHandler {
	return &AutomationHandler{service: service, runner: runner}
}

// ListAutomations 获取自动化列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	automations, err := h.service.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// CreateAutomation 创建自动化及其规则、动作、触发器
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	automation, err := h.service.Create(c.Request.Context(), &req, actorID(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// GetAutomation 获取自动化详情
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	automation, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrAutomationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// UpdateAutomationStatus 更新自动化状态
func (h *AutomationHandler) UpdateAutomationStatus(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if err := h.service.UpdateStatus(c.Request.Context(), id, req.Status, actorID(c)); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrAutomationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update status", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "updated"})
}

// DeleteAutomation 删除自动化（级联）
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id, actorID(c)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrAutomationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RunAutomation 手动触发入口
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var event services.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		event = services.Event{}
	}

	actor := actorID(c)
	execution, err := h.runner.RunManual(c.Request.Context(), id, &actor, event)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, services.ErrAutomationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrManualTriggerNotAllowed),
			errors.Is(err, services.ErrAutomationInactive),
			errors.Is(err, services.ErrNoMatchingTrigger):
			status = http.StatusBadRequest
		case errors.Is(err, services.ErrRateLimited):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, ErrorResponse{Error: "Failed to run automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, execution)
}

// WebhookTrigger webhook 触发入口
func (h *AutomationHandler) WebhookTrigger(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var event services.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		event = services.Event{}
	}

	execution, err := h.runner.RunWebhook(c.Request.Context(), id, event)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, services.ErrAutomationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrAutomationInactive), errors.Is(err, services.ErrNoMatchingTrigger):
			status = http.StatusBadRequest
		case errors.Is(err, services.ErrRateLimited):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, ErrorResponse{Error: "Failed to run webhook trigger", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, execution)
}

// ListExecutions 获取自动化的执行记录
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.service.ListExecutions(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list executions", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, executions)
}

// GetExecution 获取单条执行记录
func (h *AutomationHandler) GetExecution(c *gin.Context) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	execution, err := h.service.GetExecution(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, execution)
}

func paramID(c *gin.Context) (uint, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// actorID 从请求头取操作者；鉴权由外围应用负责
func actorID(c *gin.Context) uint {
	id, _ := strconv.ParseUint(c.GetHeader("X-User-ID"), 10, 32)
	return uint(id)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.GET(":id", handler.GetAutomation)
		auto.PUT(":id/status", handler.UpdateAutomationStatus)
		auto.DELETE(":id", handler.DeleteAutomation)
		auto.POST(":id/run", handler.RunAutomation)
		auto.POST(":id/webhook", handler.WebhookTrigger)
		auto.GET(":id/executions", handler.ListExecutions)
	}
	r.GET("/executions/:id", handler.GetExecution)
}
