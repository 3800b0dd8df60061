package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle HTTP 层需要的生命周期入口（*lifecycle.Manager 实现）
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error)
	Edit(ctx context.Context, ownerID, reminderID string, in lifecycle.EditInput) (*lifecycle.CreateResult, error)
	CompleteReminder(ctx context.Context, ownerID, reminderID string) (*lifecycle.CompleteResult, error)
	CompleteOccurrence(ctx context.Context, ownerID, occurrenceID string) (*lifecycle.CompleteResult, error)
	Cancel(ctx context.Context, ownerID, reminderID string) error
	Delete(ctx context.Context, ownerID, reminderID string) error
	UpcomingFeed(ctx context.Context, ownerID string, limit int) ([]lifecycle.UpcomingItem, error)
	ListActive(ctx context.Context, ownerID string) ([]*models.Reminder, error)
}

// ReminderHandler 提醒相关接口
type ReminderHandler struct {
	lifecycle     Lifecycle
	devices       repository.DevicesRepository
	subscriptions repository.SubscriptionsRepository
	logger        *zap.Logger
}

// NewReminderHandler 创建提醒接口处理器
func NewReminderHandler(
	lc Lifecycle,
	devices repository.DevicesRepository,
	subscriptions repository.SubscriptionsRepository,
	logger *zap.Logger,
) *ReminderHandler {
	return &ReminderHandler{
		lifecycle:     lc,
		devices:       devices,
		subscriptions: subscriptions,
		logger:        logger,
	}
}

// ownerID 解析调用方身份（X-Owner-ID 头，query 兜底）
func ownerID(r *http.Request) string {
	if id := r.Header.Get("X-Owner-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("owner_id")
}

// createReminderRequest 创建提醒请求体
type createReminderRequest struct {
	DeviceID    string     `json:"device_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Kind        string     `json:"kind"`
	Mode        string     `json:"mode"`
	PatternType string     `json:"pattern_type"`
	TriggerAt   *time.Time `json:"trigger_at,omitempty"`
	AtHour      *int       `json:"at_hour,omitempty"`
	AtMinute    *int       `json:"at_minute,omitempty"`
	Weekdays    []int      `json:"weekdays,omitempty"`
}

// CreateReminder POST /reminder/api/v1/reminders
func (h *ReminderHandler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeFail(w, http.StatusBadRequest, "title is required")
		return
	}

	result, err := h.lifecycle.Create(r.Context(), lifecycle.CreateInput{
		OwnerID:     owner,
		DeviceID:    req.DeviceID,
		Title:       req.Title,
		Body:        req.Body,
		Kind:        req.Kind,
		Mode:        req.Mode,
		PatternType: req.PatternType,
		TriggerAt:   req.TriggerAt,
		AtHour:      req.AtHour,
		AtMinute:    req.AtMinute,
		Weekdays:    req.Weekdays,
	})
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	writeOK(w, result)
}

// EditReminder PUT /reminder/api/v1/reminders/{id}
func (h *ReminderHandler) EditReminder(w http.ResponseWriter, r *http.Request, reminderID string) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	var req lifecycle.EditInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.lifecycle.Edit(r.Context(), owner, reminderID, req)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	writeOK(w, result)
}

// ListReminders GET /reminder/api/v1/reminders
func (h *ReminderHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	list, err := h.lifecycle.ListActive(r.Context(), owner)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	if list == nil {
		list = []*models.Reminder{}
	}
	writeOK(w, list)
}

// ListUpcoming GET /reminder/api/v1/reminders/upcoming
func (h *ReminderHandler) ListUpcoming(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	feed, err := h.lifecycle.UpcomingFeed(r.Context(), owner, limit)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	if feed == nil {
		feed = []lifecycle.UpcomingItem{}
	}
	writeOK(w, feed)
}

// CompleteReminder POST /reminder/api/v1/reminders/{id}/complete
func (h *ReminderHandler) CompleteReminder(w http.ResponseWriter, r *http.Request, reminderID string) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	result, err := h.lifecycle.CompleteReminder(r.Context(), owner, reminderID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeOK(w, result)
}

// CompleteOccurrence POST /reminder/api/v1/occurrences/{id}/complete
func (h *ReminderHandler) CompleteOccurrence(w http.ResponseWriter, r *http.Request, occurrenceID string) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	result, err := h.lifecycle.CompleteOccurrence(r.Context(), owner, occurrenceID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeOK(w, result)
}

// CancelReminder POST /reminder/api/v1/reminders/{id}/cancel
func (h *ReminderHandler) CancelReminder(w http.ResponseWriter, r *http.Request, reminderID string) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	if err := h.lifecycle.Cancel(r.Context(), owner, reminderID); err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeOK(w, map[string]string{"status": models.StatusCanceled})
}

// DeleteReminder DELETE /reminder/api/v1/reminders/{id}
func (h *ReminderHandler) DeleteReminder(w http.ResponseWriter, r *http.Request, reminderID string) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	if err := h.lifecycle.Delete(r.Context(), owner, reminderID); err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeOK(w, map[string]bool{"deleted": true})
}

// registerDeviceRequest 设备注册请求体
type registerDeviceRequest struct {
	DeviceID          string `json:"device_id"`
	Timezone          string `json:"timezone"`
	ExactAlarmGranted bool   `json:"exact_alarm_granted"`
}

// RegisterDevice POST /reminder/api/v1/devices
func (h *ReminderHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeFail(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid timezone")
		return
	}

	device := &models.Device{
		DeviceID:          req.DeviceID,
		OwnerID:           owner,
		Timezone:          req.Timezone,
		ExactAlarmGranted: req.ExactAlarmGranted,
		LastSeenAt:        time.Now(),
	}
	if err := h.devices.UpsertDevice(r.Context(), device); err != nil {
		h.logger.Error("Failed to register device", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeOK(w, device)
}

// saveSubscriptionRequest Web Push 订阅请求体
type saveSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// SaveSubscription POST /reminder/api/v1/subscriptions
func (h *ReminderHandler) SaveSubscription(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeFail(w, http.StatusBadRequest, "missing owner id")
		return
	}

	var req saveSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeFail(w, http.StatusBadRequest, "endpoint, p256dh and auth are required")
		return
	}

	sub := &models.PushSubscription{
		SubscriptionID: uuid.New().String(),
		OwnerID:        owner,
		Endpoint:       req.Endpoint,
		P256dh:         req.P256dh,
		Auth:           req.Auth,
	}
	if err := h.subscriptions.SaveSubscription(r.Context(), sub); err != nil {
		h.logger.Error("Failed to save push subscription", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeOK(w, sub)
}

// DeleteSubscription DELETE /reminder/api/v1/subscriptions
func (h *ReminderHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeFail(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if err := h.subscriptions.DeleteByEndpoint(r.Context(), endpoint); err != nil {
		h.logger.Error("Failed to delete push subscription", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	writeOK(w, map[string]bool{"deleted": true})
}

// writeLifecycleError 错误分类到 HTTP 状态
func (h *ReminderHandler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeFail(w, http.StatusNotFound, "reminder not found")
	case errors.Is(err, lifecycle.ErrInvalidPattern):
		writeFail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrConcurrentModification):
		writeFail(w, http.StatusConflict, "another operation is in progress, retry shortly")
	case errors.Is(err, lifecycle.ErrSchedulingFailed):
		writeFail(w, http.StatusBadGateway, "failed to register the reminder on the device")
	default:
		h.logger.Error("Reminder operation failed", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}
