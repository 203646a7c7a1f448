package handlers

import (
	"net/http"
	"strconv"

	"inspora/internal/services"

	"github.com/gin-gonic/gin"
)

// NotificationHandler 通知查询与已读标记
type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// ListNotifications 获取当前用户的通知
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	userID := actorID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "X-User-ID header required"})
		return
	}
	unreadOnly := c.Query("unread") == "true"
	notifications, err := h.service.ListForUser(c.Request.Context(), userID, unreadOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list notifications", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

// MarkNotificationRead 标记通知已读
func (h *NotificationHandler) MarkNotificationRead(c *gin.Context) {
	userID := actorID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "X-User-ID header required"})
		return
	}
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), uint(id), userID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Failed to mark read", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "read"})
}

// RegisterNotificationRoutes 注册路由
func RegisterNotificationRoutes(r *gin.RouterGroup, handler *NotificationHandler) {
	n := r.Group("/notifications")
	{
		n.GET("", handler.ListNotifications)
		n.POST(":id/read", handler.MarkNotificationRead)
	}
}
