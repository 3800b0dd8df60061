package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/mqttx"
	"lifetrack-reminder/internal/redisx"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testStream = "reminder:device-events"
	testGroup  = "reminder-engine"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type fakeLifecycle struct {
	mu     sync.Mutex
	fired  []lifecycle.FiredEvent
	opened [][2]string
}

func (f *fakeLifecycle) OnFired(_ context.Context, ev lifecycle.FiredEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, ev)
	return nil
}

func (f *fakeLifecycle) OnOpened(_ context.Context, ownerID, reminderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, [2]string{ownerID, reminderID})
	return nil
}

type fakeSignaler struct {
	mu      sync.Mutex
	devices []string
}

func (f *fakeSignaler) TriggerDevice(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, deviceID)
}

type fakeDevices struct {
	mu        sync.Mutex
	timezones map[string]string
	granted   map[string]bool
	lastSeen  map[string]time.Time
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		timezones: make(map[string]string),
		granted:   make(map[string]bool),
		lastSeen:  make(map[string]time.Time),
	}
}

func (f *fakeDevices) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	return &models.Device{DeviceID: deviceID, Timezone: "UTC"}, nil
}

func (f *fakeDevices) UpsertDevice(_ context.Context, _ *models.Device) error { return nil }

func (f *fakeDevices) SetTimezone(_ context.Context, deviceID, timezone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timezones[deviceID] = timezone
	return nil
}

func (f *fakeDevices) SetExactAlarmGranted(_ context.Context, deviceID string, granted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[deviceID] = granted
	return nil
}

func (f *fakeDevices) TouchLastSeen(_ context.Context, deviceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[deviceID] = at
	return nil
}

func newTestConsumer(t *testing.T, client *redis.Client) (*DeliveryConsumer, *fakeLifecycle, *fakeSignaler, *fakeDevices) {
	t.Helper()
	manager := &fakeLifecycle{}
	signaler := &fakeSignaler{}
	devices := newFakeDevices()
	c := NewDeliveryConsumer(client, testStream, testGroup, "consumer-1", 32, manager, signaler, devices, zap.NewNop())
	require.NoError(t, redisx.CreateConsumerGroup(context.Background(), client, testStream, testGroup))
	return c, manager, signaler, devices
}

func publishEvent(t *testing.T, client *redis.Client, ev models.DeviceEvent) {
	t.Helper()
	_, err := redisx.PublishJSONToStream(context.Background(), client, testStream, ev)
	require.NoError(t, err)
}

func TestConsumeBatch_RoutesFiredIntoLifecycle(t *testing.T) {
	client := newTestRedis(t)
	c, manager, _, devices := newTestConsumer(t, client)

	scheduledAt := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	publishEvent(t, client, models.DeviceEvent{
		EventType:   models.EventFired,
		DeviceID:    "dev-1",
		OwnerID:     "user-1",
		ReminderID:  "r-1",
		Handle:      "h-1",
		ScheduledAt: &scheduledAt,
		Timestamp:   scheduledAt.Unix(),
	})

	processed, err := c.consumeBatch(context.Background(), 100*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, manager.fired, 1)
	assert.Equal(t, "r-1", manager.fired[0].ReminderID)
	assert.Equal(t, "user-1", manager.fired[0].OwnerID)
	require.NotNil(t, manager.fired[0].ScheduledAt)
	assert.True(t, manager.fired[0].ScheduledAt.Equal(scheduledAt))
	assert.Contains(t, devices.lastSeen, "dev-1")
}

func TestConsumeBatch_RoutesOpened(t *testing.T) {
	client := newTestRedis(t)
	c, manager, _, _ := newTestConsumer(t, client)

	publishEvent(t, client, models.DeviceEvent{
		EventType:  models.EventOpened,
		DeviceID:   "dev-1",
		OwnerID:    "user-1",
		ReminderID: "r-1",
		Timestamp:  time.Now().Unix(),
	})

	_, err := c.consumeBatch(context.Background(), 100*time.Millisecond)

	require.NoError(t, err)
	require.Len(t, manager.opened, 1)
	assert.Equal(t, [2]string{"user-1", "r-1"}, manager.opened[0])
}

func TestConsumeBatch_TimezoneChangeSignalsReconciler(t *testing.T) {
	client := newTestRedis(t)
	c, _, signaler, devices := newTestConsumer(t, client)

	publishEvent(t, client, models.DeviceEvent{
		EventType: models.EventTimezoneChanged,
		DeviceID:  "dev-1",
		Timezone:  "Asia/Tokyo",
		Timestamp: time.Now().Unix(),
	})

	_, err := c.consumeBatch(context.Background(), 100*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", devices.timezones["dev-1"])
	assert.Equal(t, []string{"dev-1"}, signaler.devices)
}

func TestConsumeBatch_PermissionChangeSignalsReconciler(t *testing.T) {
	client := newTestRedis(t)
	c, _, signaler, devices := newTestConsumer(t, client)

	granted := false
	publishEvent(t, client, models.DeviceEvent{
		EventType:         models.EventPermissionChanged,
		DeviceID:          "dev-1",
		ExactAlarmGranted: &granted,
		Timestamp:         time.Now().Unix(),
	})

	_, err := c.consumeBatch(context.Background(), 100*time.Millisecond)

	require.NoError(t, err)
	assert.False(t, devices.granted["dev-1"])
	assert.Equal(t, []string{"dev-1"}, signaler.devices)
}

func TestConsumeBatch_AcksProcessedMessages(t *testing.T) {
	client := newTestRedis(t)
	c, _, _, _ := newTestConsumer(t, client)

	publishEvent(t, client, models.DeviceEvent{
		EventType:  models.EventOpened,
		DeviceID:   "dev-1",
		OwnerID:    "user-1",
		ReminderID: "r-1",
		Timestamp:  time.Now().Unix(),
	})

	_, err := c.consumeBatch(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	pending, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeBatch_UnknownEventTypeIgnored(t *testing.T) {
	client := newTestRedis(t)
	c, manager, signaler, _ := newTestConsumer(t, client)

	publishEvent(t, client, models.DeviceEvent{
		EventType: "battery_low",
		DeviceID:  "dev-1",
		Timestamp: time.Now().Unix(),
	})

	processed, err := c.consumeBatch(context.Background(), 100*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, manager.fired)
	assert.Empty(t, signaler.devices)
}

// ============================================
// EventBridge
// ============================================

type fakeMQTT struct {
	subscribed   []string
	unsubscribed []string
	handler      mqttx.MessageHandler
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqttx.MessageHandler) error {
	f.subscribed = append(f.subscribed, topic)
	f.handler = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestEventBridge_BridgesPayloadToStream(t *testing.T) {
	client := newTestRedis(t)
	mq := &fakeMQTT{}
	bridge := NewEventBridge(mq, client, "lifetrack/device/+/events", testStream, zap.NewNop())
	require.NoError(t, bridge.Start())
	require.Equal(t, []string{"lifetrack/device/+/events"}, mq.subscribed)

	// device_id 缺省时从主题补齐
	payload, _ := json.Marshal(map[string]interface{}{
		"event_type":  models.EventFired,
		"owner_id":    "user-1",
		"reminder_id": "r-1",
	})
	require.NoError(t, mq.handler("lifetrack/device/dev-9/events", payload))

	entries, err := client.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var ev models.DeviceEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &ev))
	assert.Equal(t, models.EventFired, ev.EventType)
	assert.Equal(t, "dev-9", ev.DeviceID)
	assert.NotZero(t, ev.Timestamp)
}

func TestEventBridge_RejectsMalformedPayload(t *testing.T) {
	client := newTestRedis(t)
	mq := &fakeMQTT{}
	bridge := NewEventBridge(mq, client, "lifetrack/device/+/events", testStream, zap.NewNop())
	require.NoError(t, bridge.Start())

	assert.Error(t, mq.handler("lifetrack/device/dev-9/events", []byte("not json")))
	assert.Error(t, mq.handler("lifetrack/device/dev-9/events", []byte(`{"owner_id":"user-1"}`)))

	entries, err := client.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	assert.Empty(t, entries, "malformed payloads must not enter the stream")
}

func TestEventBridge_StopUnsubscribes(t *testing.T) {
	client := newTestRedis(t)
	mq := &fakeMQTT{}
	bridge := NewEventBridge(mq, client, "lifetrack/device/+/events", testStream, zap.NewNop())
	require.NoError(t, bridge.Start())

	bridge.Stop()

	assert.Equal(t, []string{"lifetrack/device/+/events"}, mq.unsubscribed)
}
