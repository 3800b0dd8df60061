package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/mqttx"
	"lifetrack-reminder/internal/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// mqttSubscriber 桥接器需要的 MQTT 客户端能力
type mqttSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttx.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// EventBridge 设备事件桥接器
// MQTT 回调线程里只做一件事：落入 Redis Streams。投递语义交给消费者组，
// 桥接器不碰状态机
type EventBridge struct {
	mqtt        mqttSubscriber
	redisClient *redis.Client
	topic       string
	stream      string
	logger      *zap.Logger
}

// NewEventBridge 创建桥接器
// topic 形如 lifetrack/device/+/events
func NewEventBridge(mqtt mqttSubscriber, redisClient *redis.Client, topic, stream string, logger *zap.Logger) *EventBridge {
	return &EventBridge{
		mqtt:        mqtt,
		redisClient: redisClient,
		topic:       topic,
		stream:      stream,
		logger:      logger,
	}
}

// Start 订阅设备事件主题
func (b *EventBridge) Start() error {
	if err := b.mqtt.Subscribe(b.topic, 1, b.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to device events: %w", err)
	}
	b.logger.Info("Event bridge started",
		zap.String("topic", b.topic),
		zap.String("stream", b.stream),
	)
	return nil
}

// Stop 取消订阅
func (b *EventBridge) Stop() {
	if err := b.mqtt.Unsubscribe(b.topic); err != nil {
		b.logger.Error("Failed to unsubscribe from device events", zap.Error(err))
	}
	b.logger.Info("Event bridge stopped")
}

// handleMessage 校验设备事件并写入流
func (b *EventBridge) handleMessage(topic string, payload []byte) error {
	var ev models.DeviceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		// 畸形消息丢弃，不进流
		return fmt.Errorf("failed to decode device event: %w", err)
	}
	if ev.EventType == "" {
		return fmt.Errorf("device event missing event_type on topic %s", topic)
	}

	if ev.DeviceID == "" {
		ev.DeviceID = deviceIDFromTopic(topic)
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := redisx.PublishJSONToStream(ctx, b.redisClient, b.stream, ev); err != nil {
		return fmt.Errorf("failed to bridge device event to stream: %w", err)
	}

	b.logger.Debug("Device event bridged",
		zap.String("event_type", ev.EventType),
		zap.String("device_id", ev.DeviceID),
	)
	return nil
}

// deviceIDFromTopic 从 <prefix>/<device_id>/events 提取设备ID
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
