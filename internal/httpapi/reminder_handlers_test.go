package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLifecycle struct {
	createResult *lifecycle.CreateResult
	createErr    error
	editErr      error
	completeErr  error
	cancelErr    error

	completed       []string
	alreadyComplete bool
	canceled        []string
	deleted         []string
	listed          []*models.Reminder
}

func (f *fakeLifecycle) Create(_ context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResult != nil {
		return f.createResult, nil
	}
	return &lifecycle.CreateResult{
		Reminder: &models.Reminder{
			ReminderID: "r-new",
			OwnerID:    in.OwnerID,
			Title:      in.Title,
			Status:     models.StatusScheduled,
		},
	}, nil
}

func (f *fakeLifecycle) Edit(_ context.Context, ownerID, reminderID string, _ lifecycle.EditInput) (*lifecycle.CreateResult, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &lifecycle.CreateResult{
		Reminder: &models.Reminder{ReminderID: reminderID, OwnerID: ownerID, Status: models.StatusScheduled},
	}, nil
}

func (f *fakeLifecycle) CompleteReminder(_ context.Context, _, reminderID string) (*lifecycle.CompleteResult, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = append(f.completed, reminderID)
	return &lifecycle.CompleteResult{AlreadyCompleted: f.alreadyComplete}, nil
}

func (f *fakeLifecycle) CompleteOccurrence(_ context.Context, _, occurrenceID string) (*lifecycle.CompleteResult, error) {
	f.completed = append(f.completed, occurrenceID)
	return &lifecycle.CompleteResult{AlreadyCompleted: f.alreadyComplete}, nil
}

func (f *fakeLifecycle) Cancel(_ context.Context, _, reminderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, reminderID)
	return nil
}

func (f *fakeLifecycle) Delete(_ context.Context, _, reminderID string) error {
	f.deleted = append(f.deleted, reminderID)
	return nil
}

func (f *fakeLifecycle) UpcomingFeed(_ context.Context, _ string, _ int) ([]lifecycle.UpcomingItem, error) {
	items := make([]lifecycle.UpcomingItem, 0, len(f.listed))
	for _, r := range f.listed {
		items = append(items, lifecycle.UpcomingItem{Reminder: r})
	}
	return items, nil
}

func (f *fakeLifecycle) ListActive(_ context.Context, _ string) ([]*models.Reminder, error) {
	return f.listed, nil
}

type fakeDeviceStore struct {
	devices []*models.Device
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, _ string) (*models.Device, error) {
	return nil, errors.New("no rows")
}
func (f *fakeDeviceStore) UpsertDevice(_ context.Context, d *models.Device) error {
	f.devices = append(f.devices, d)
	return nil
}
func (f *fakeDeviceStore) SetTimezone(_ context.Context, _, _ string) error        { return nil }
func (f *fakeDeviceStore) SetExactAlarmGranted(_ context.Context, _ string, _ bool) error { return nil }
func (f *fakeDeviceStore) TouchLastSeen(_ context.Context, _ string, _ time.Time) error   { return nil }

type fakeSubStore struct {
	saved   []*models.PushSubscription
	deleted []string
}

func (f *fakeSubStore) SaveSubscription(_ context.Context, s *models.PushSubscription) error {
	f.saved = append(f.saved, s)
	return nil
}
func (f *fakeSubStore) ListSubscriptions(_ context.Context, _ string) ([]*models.PushSubscription, error) {
	return nil, nil
}
func (f *fakeSubStore) ListAllSubscriptions(_ context.Context) ([]*models.PushSubscription, error) {
	return nil, nil
}
func (f *fakeSubStore) DeleteByEndpoint(_ context.Context, endpoint string) error {
	f.deleted = append(f.deleted, endpoint)
	return nil
}

type staticSource struct {
	ch chan models.StateChange
}

func (s *staticSource) Subscribe() (<-chan models.StateChange, func()) {
	return s.ch, func() {}
}

func newTestRouter(lc *fakeLifecycle) (*Router, *fakeDeviceStore, *fakeSubStore, *staticSource) {
	devices := &fakeDeviceStore{}
	subs := &fakeSubStore{}
	source := &staticSource{ch: make(chan models.StateChange, 4)}

	handler := NewReminderHandler(lc, devices, subs, zap.NewNop())
	sse := NewEventsHandler(source, zap.NewNop())

	router := NewRouter(zap.NewNop())
	router.RegisterReminderRoutes(handler, sse)
	return router, devices, subs, source
}

func doRequest(t *testing.T, router *Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Owner-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestCreateReminder_Success(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/reminders", map[string]interface{}{
		"title":        "Take medication",
		"pattern_type": models.PatternOneTime,
		"trigger_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	assert.Equal(t, float64(ResultSuccess), envelope["code"])
}

func TestCreateReminder_DegradedFlagSurfaced(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{
		createResult: &lifecycle.CreateResult{
			Reminder: &models.Reminder{ReminderID: "r-1", Status: models.StatusScheduled},
			Degraded: true,
		},
	})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/reminders", map[string]interface{}{
		"title": "Wake up",
		"mode":  models.ModeAlarm,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]interface{})
	assert.Equal(t, true, result["degraded"])
}

func TestCreateReminder_MissingOwner(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{})

	req := httptest.NewRequest(http.MethodPost, "/reminder/api/v1/reminders", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateReminder_InvalidPattern(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{
		createErr: lifecycle.ErrInvalidPattern,
	})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/reminders", map[string]interface{}{
		"title":        "Gym",
		"pattern_type": models.PatternWeekly,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeResult(t, rec)
	assert.Equal(t, float64(ResultError), envelope["code"])
}

func TestEditReminder_ConcurrentModification(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{
		editErr: lifecycle.ErrConcurrentModification,
	})

	rec := doRequest(t, router, http.MethodPut, "/reminder/api/v1/reminders/r-1", map[string]interface{}{
		"title": "Updated",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEditReminder_SchedulingFailed(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{
		editErr: lifecycle.ErrSchedulingFailed,
	})

	rec := doRequest(t, router, http.MethodPut, "/reminder/api/v1/reminders/r-1", map[string]interface{}{})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCompleteReminder_AlreadyCompleted(t *testing.T) {
	lc := &fakeLifecycle{alreadyComplete: true}
	router, _, _, _ := newTestRouter(lc)

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/reminders/r-1/complete", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]interface{})
	assert.Equal(t, true, result["already_completed"])
	assert.Equal(t, []string{"r-1"}, lc.completed)
}

func TestCompleteOccurrence(t *testing.T) {
	lc := &fakeLifecycle{}
	router, _, _, _ := newTestRouter(lc)

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/occurrences/occ-1/complete", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"occ-1"}, lc.completed)
}

func TestCancelReminder(t *testing.T) {
	lc := &fakeLifecycle{}
	router, _, _, _ := newTestRouter(lc)

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/reminders/r-1/cancel", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r-1"}, lc.canceled)
}

func TestDeleteReminder(t *testing.T) {
	lc := &fakeLifecycle{}
	router, _, _, _ := newTestRouter(lc)

	rec := doRequest(t, router, http.MethodDelete, "/reminder/api/v1/reminders/r-1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r-1"}, lc.deleted)
}

func TestListReminders_EmptyListNotNull(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodGet, "/reminder/api/v1/reminders", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":[]`)
}

func TestListUpcoming(t *testing.T) {
	next := time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC)
	router, _, _, _ := newTestRouter(&fakeLifecycle{
		listed: []*models.Reminder{
			{ReminderID: "r-1", Title: "Gym session", NextTriggerAt: &next},
		},
	})

	rec := doRequest(t, router, http.MethodGet, "/reminder/api/v1/reminders/upcoming?limit=10", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Gym session")
}

func TestRegisterDevice(t *testing.T) {
	router, devices, _, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/devices", map[string]interface{}{
		"device_id":           "dev-1",
		"timezone":            "Asia/Tokyo",
		"exact_alarm_granted": true,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, devices.devices, 1)
	assert.Equal(t, "Asia/Tokyo", devices.devices[0].Timezone)
	assert.Equal(t, "user-1", devices.devices[0].OwnerID)
}

func TestRegisterDevice_InvalidTimezone(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/devices", map[string]interface{}{
		"device_id": "dev-1",
		"timezone":  "Mars/Olympus",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveAndDeleteSubscription(t *testing.T) {
	router, _, subs, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodPost, "/reminder/api/v1/subscriptions", map[string]interface{}{
		"endpoint": "https://push/1",
		"p256dh":   "key",
		"auth":     "secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, subs.saved, 1)
	assert.Equal(t, "user-1", subs.saved[0].OwnerID)

	rec = doRequest(t, router, http.MethodDelete, "/reminder/api/v1/subscriptions?endpoint=https://push/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://push/1"}, subs.deleted)
}

func TestMethodNotAllowed(t *testing.T) {
	router, _, _, _ := newTestRouter(&fakeLifecycle{})

	rec := doRequest(t, router, http.MethodDelete, "/reminder/api/v1/reminders", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsStream_DeliversStateChanges(t *testing.T) {
	router, _, _, source := newTestRouter(&fakeLifecycle{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/reminder/api/v1/events", nil).WithContext(ctx)
	req.Header.Set("X-Owner-ID", "user-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	source.ch <- models.StateChange{ReminderID: "r-1", OwnerID: "user-1", Status: models.StatusFired}
	// 其他用户的事件被过滤
	source.ch <- models.StateChange{ReminderID: "r-2", OwnerID: "user-2", Status: models.StatusFired}

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: state_change")
	assert.Contains(t, body, `"reminder_id":"r-1"`)
	assert.NotContains(t, body, `"reminder_id":"r-2"`)
}
