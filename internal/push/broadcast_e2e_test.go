package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/scheduler"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 内存提醒存储：创建→服务端触发→广播 全链路测试用
type broadcastStore struct {
	mu        sync.Mutex
	reminders map[string]*models.Reminder
}

func newBroadcastStore() *broadcastStore {
	return &broadcastStore{reminders: make(map[string]*models.Reminder)}
}

func (s *broadcastStore) CreateReminder(_ context.Context, r *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reminders[r.ReminderID] = &cp
	return nil
}

func (s *broadcastStore) GetReminder(_ context.Context, ownerID, reminderID string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[reminderID]
	if !ok || r.OwnerID != ownerID {
		return nil, errors.New("no rows")
	}
	cp := *r
	return &cp, nil
}

func (s *broadcastStore) ListActiveReminders(context.Context, string) ([]*models.Reminder, error) {
	return nil, nil
}

func (s *broadcastStore) ListAllActive(context.Context) ([]*models.Reminder, error) {
	return nil, nil
}

func (s *broadcastStore) ListUpcoming(context.Context, string, int) ([]*models.Reminder, error) {
	return nil, nil
}

func (s *broadcastStore) UpdateContent(_ context.Context, r *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reminders[r.ReminderID] = &cp
	return nil
}

func (s *broadcastStore) UpdateHandles(_ context.Context, reminderID string, handles []string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[reminderID]
	if !ok {
		return errors.New("no rows")
	}
	if handles == nil {
		handles = []string{}
	}
	r.NotificationHandles = handles
	r.NextTriggerAt = next
	return nil
}

func (s *broadcastStore) SetStatus(_ context.Context, reminderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[reminderID]
	if !ok {
		return errors.New("no rows")
	}
	r.Status = status
	return nil
}

func (s *broadcastStore) MarkDelivered(_ context.Context, reminderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[reminderID]
	if !ok {
		return false, errors.New("no rows")
	}
	if r.Delivered {
		return false, nil
	}
	r.Delivered = true
	return true, nil
}

func (s *broadcastStore) CompleteReminder(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (s *broadcastStore) SetRepairAttempts(context.Context, string, int) error { return nil }

func (s *broadcastStore) DeleteReminder(_ context.Context, _, reminderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reminders, reminderID)
	return nil
}

type noOccurrences struct{}

func (noOccurrences) UpsertOccurrence(context.Context, string, time.Time) (*models.ReminderOccurrence, bool, error) {
	return nil, false, errors.New("not expected for a one-time broadcast")
}

func (noOccurrences) GetOccurrence(context.Context, string) (*models.ReminderOccurrence, error) {
	return nil, errors.New("no rows")
}

func (noOccurrences) CompleteOccurrence(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("no rows")
}

func (noOccurrences) ListOpenOccurrences(context.Context, string) ([]*models.ReminderOccurrence, error) {
	return nil, nil
}

type noDevices struct{}

func (noDevices) GetDevice(context.Context, string) (*models.Device, error) {
	return nil, errors.New("no rows")
}

func (noDevices) UpsertDevice(context.Context, *models.Device) error       { return nil }
func (noDevices) SetTimezone(context.Context, string, string) error        { return nil }
func (noDevices) SetExactAlarmGranted(context.Context, string, bool) error { return nil }
func (noDevices) TouchLastSeen(context.Context, string, time.Time) error   { return nil }

// rejectScheduler 广播绝不应触碰设备调度器：被调用即让用例失败
type rejectScheduler struct{}

func (rejectScheduler) Schedule(context.Context, scheduler.ScheduleRequest) (string, error) {
	return "", errors.New("unexpected device scheduling for a broadcast")
}

func (rejectScheduler) Cancel(context.Context, string, string) error { return nil }

type allowExact struct{}

func (allowExact) CanScheduleExact(context.Context, string) (bool, error) { return true, nil }
func (allowExact) RequestExactPermission(context.Context, string) (bool, error) { return true, nil }

// 全链路：创建 Global 提醒 → 服务端定时器触发 → Web Push 扇出到全部订阅
func TestGlobalBroadcast_CreateToWebPushDelivery(t *testing.T) {
	subs := &fakeSubscriptions{}
	subs.SaveSubscription(context.Background(), subscription("user-1", "https://push/1"))
	subs.SaveSubscription(context.Background(), subscription("user-2", "https://push/2"))

	b := newTestBroadcaster(subs)
	sentCh := make(chan Notification, 4)
	b.send = func(message []byte, _ *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		var n Notification
		json.Unmarshal(message, &n)
		sentCh <- n
		return pushResponse(http.StatusCreated), nil
	}

	store := newBroadcastStore()
	events := lifecycle.NewEventPublisher(nil, "reminder:events", zap.NewNop())
	manager := lifecycle.NewManager(
		store, noOccurrences{}, noDevices{},
		rejectScheduler{}, allowExact{}, events, zap.NewNop(),
	)

	d := NewDispatcher(events, store, b, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	triggerAt := time.Now().Add(30 * time.Millisecond)
	created, err := manager.Create(context.Background(), lifecycle.CreateInput{
		OwnerID:     "user-1",
		Title:       "Service maintenance tonight",
		Body:        "Expect a short downtime",
		Kind:        models.KindGlobal,
		PatternType: models.PatternOneTime,
		TriggerAt:   &triggerAt,
	})
	require.NoError(t, err)
	assert.Empty(t, created.Reminder.NotificationHandles)

	// 两个订阅端点都要收到
	got := make(map[string]int)
	for i := 0; i < 2; i++ {
		select {
		case n := <-sentCh:
			assert.Equal(t, created.Reminder.ReminderID, n.ReminderID)
			assert.Equal(t, "Service maintenance tonight", n.Title)
			got[n.ReminderID]++
		case <-time.After(2 * time.Second):
			t.Fatal("expected the fired broadcast to reach every subscription")
		}
	}
	assert.Equal(t, 2, got[created.Reminder.ReminderID])

	// 触发后提醒已送达
	stored, err := store.GetReminder(context.Background(), "user-1", created.Reminder.ReminderID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered)
	assert.Equal(t, models.StatusFired, stored.Status)
}
