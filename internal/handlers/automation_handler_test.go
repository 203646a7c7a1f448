package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inspora/internal/models"
	"inspora/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:handler_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Team{}, &models.Project{}, &models.Task{},
		&models.Automation{}, &models.AutomationRule{}, &models.AutomationAction{},
		&models.AutomationTrigger{}, &models.AutomationExecution{},
		&models.Notification{}, &models.AuditLog{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newAutomationTestRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	executor := services.NewActionExecutor(db, nil, nil, nil)
	runner := services.NewAutomationRunner(db, nil, executor)
	service := services.NewAutomationService(db, nil, nil, services.EngineDefaults{})

	router := gin.New()
	api := router.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(service, runner))
	RegisterEventRoutes(api, NewEventHandler(runner))
	return router
}

func TestAutomationHandler_CreateAndGet(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	payload := map[string]interface{}{
		"name":        "notify on done",
		"description": "ping the owner when a task completes",
		"triggers": []map[string]interface{}{
			{"name": "status change", "trigger_type": "on_status_change"},
		},
		"rules": []map[string]interface{}{
			{"name": "moved to done", "conditions": []map[string]interface{}{
				{"field": "new_status", "operator": "equals", "value": "done"},
			}},
		},
		"actions": []map[string]interface{}{
			{"name": "notify", "action_type": "notify", "action_config": map[string]interface{}{
				"message": "done", "recipient_id": 1,
			}},
		},
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest("POST", "/api/automations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "notify on done", created.Name)
	assert.Equal(t, models.AutomationStatusDraft, created.Status)
	assert.Equal(t, uint(7), created.CreatedByID)

	req = httptest.NewRequest("GET", "/api/automations/1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got models.Automation
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Triggers, 1)
	assert.Len(t, got.Rules, 1)
	assert.Len(t, got.Actions, 1)
}

func TestAutomationHandler_CreateRejectsBadTriggerType(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	body, _ := json.Marshal(map[string]interface{}{
		"name": "bad",
		"triggers": []map[string]interface{}{
			{"name": "x", "trigger_type": "on_full_moon"},
		},
	})
	req := httptest.NewRequest("POST", "/api/automations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_GetNotFound(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	req := httptest.NewRequest("GET", "/api/automations/9999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest("GET", "/api/automations/not-a-number", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_UpdateStatus(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	db.Create(&models.Automation{Name: "toggle", Status: models.AutomationStatusDraft, IsActive: true})

	body, _ := json.Marshal(map[string]string{"status": "active"})
	req := httptest.NewRequest("PUT", "/api/automations/1/status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var got models.Automation
	db.First(&got, 1)
	assert.Equal(t, models.AutomationStatusActive, got.Status)

	body, _ = json.Marshal(map[string]string{"status": "exploded"})
	req = httptest.NewRequest("PUT", "/api/automations/1/status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_RunManual(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	db.Create(&models.Automation{
		Name:               "manual ok",
		Status:             models.AutomationStatusActive,
		IsActive:           true,
		AllowManualTrigger: true,
		Triggers: []models.AutomationTrigger{
			{Name: "manual", TriggerType: models.TriggerManual, IsActive: true},
		},
	})
	db.Create(&models.Automation{
		Name:     "manual blocked",
		Status:   models.AutomationStatusActive,
		IsActive: true,
		Triggers: []models.AutomationTrigger{
			{Name: "manual", TriggerType: models.TriggerManual, IsActive: true},
		},
	})

	req := httptest.NewRequest("POST", "/api/automations/1/run", nil)
	req.Header.Set("X-User-ID", "42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var exec models.AutomationExecution
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)

	// 未开启手动触发
	req = httptest.NewRequest("POST", "/api/automations/2/run", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 不存在的自动化
	req = httptest.NewRequest("POST", "/api/automations/9999/run", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_WebhookTrigger(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	db.Create(&models.Automation{
		Name:     "hooked",
		Status:   models.AutomationStatusActive,
		IsActive: true,
		Triggers: []models.AutomationTrigger{
			{Name: "incoming", TriggerType: models.TriggerOnWebhook, IsActive: true},
		},
	})

	body, _ := json.Marshal(map[string]interface{}{"external_id": "abc"})
	req := httptest.NewRequest("POST", "/api/automations/1/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var exec models.AutomationExecution
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
}

func TestAutomationHandler_DeleteAndExecutions(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newAutomationTestRouter(t, db)

	db.Create(&models.Automation{Name: "doomed", Status: models.AutomationStatusActive, IsActive: true})
	db.Create(&models.AutomationExecution{AutomationID: 1, Status: models.ExecutionStatusCompleted})

	req := httptest.NewRequest("GET", "/api/automations/1/executions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var executions []models.AutomationExecution
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &executions))
	assert.Len(t, executions, 1)

	req = httptest.NewRequest("GET", "/api/executions/1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("DELETE", "/api/automations/1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/automations/1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
