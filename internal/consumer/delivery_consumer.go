package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/redisx"
	"lifetrack-reminder/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReminderLifecycle 消费者需要的生命周期入口
type ReminderLifecycle interface {
	OnFired(ctx context.Context, ev lifecycle.FiredEvent) error
	OnOpened(ctx context.Context, ownerID, reminderID string) error
}

// ReconcileSignaler 时区/权限变更信号的接收方
type ReconcileSignaler interface {
	TriggerDevice(deviceID string)
}

// DeliveryConsumer 设备事件流消费者
// 以消费者组读取桥接进来的 DeviceEvent：fired/opened 进状态机，
// timezone_changed/permission_changed 落库并触发该设备对账。
// 处理完即 ACK：流是至少一次的，重复投递由状态机的幂等吸收
type DeliveryConsumer struct {
	redisClient  *redis.Client
	stream       string
	group        string
	consumerName string
	batchSize    int64

	manager    ReminderLifecycle
	reconciler ReconcileSignaler
	devices    repository.DevicesRepository
	logger     *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDeliveryConsumer 创建设备事件消费者
func NewDeliveryConsumer(
	redisClient *redis.Client,
	stream, group, consumerName string,
	batchSize int,
	manager ReminderLifecycle,
	reconciler ReconcileSignaler,
	devices repository.DevicesRepository,
	logger *zap.Logger,
) *DeliveryConsumer {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &DeliveryConsumer{
		redisClient:  redisClient,
		stream:       stream,
		group:        group,
		consumerName: consumerName,
		batchSize:    int64(batchSize),
		manager:      manager,
		reconciler:   reconciler,
		devices:      devices,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start 创建消费者组并启动消费循环
func (c *DeliveryConsumer) Start(ctx context.Context) error {
	if err := redisx.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info("Delivery consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumerName),
	)
	return nil
}

// Stop 停止消费循环
func (c *DeliveryConsumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("Delivery consumer stopped")
}

func (c *DeliveryConsumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.consumeBatch(ctx, 5*time.Second); err != nil {
			c.logger.Error("Failed to read device event stream", zap.Error(err))
			// 短暂退避，避免 Redis 故障时空转
			select {
			case <-time.After(time.Second):
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// consumeBatch 读一批消息并逐条处理，处理完 ACK
func (c *DeliveryConsumer) consumeBatch(ctx context.Context, block time.Duration) (int, error) {
	messages, err := redisx.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.consumerName, c.batchSize, block)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process device event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			// 仍然 ACK：错误不会因重放消失，幂等层已吸收重复
		}
		if err := redisx.AckMessage(ctx, c.redisClient, c.stream, c.group, msg.ID); err != nil {
			c.logger.Error("Failed to ack device event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		processed++
	}
	return processed, nil
}

func (c *DeliveryConsumer) processMessage(ctx context.Context, msg redisx.StreamMessage) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("stream message %s has no data field", msg.ID)
	}

	var ev models.DeviceEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return fmt.Errorf("failed to decode device event: %w", err)
	}

	if ev.DeviceID != "" {
		if err := c.devices.TouchLastSeen(ctx, ev.DeviceID, time.Now()); err != nil {
			c.logger.Debug("Failed to touch device last_seen",
				zap.String("device_id", ev.DeviceID),
				zap.Error(err),
			)
		}
	}

	switch ev.EventType {
	case models.EventFired:
		firedAt := time.Unix(ev.Timestamp, 0)
		return c.manager.OnFired(ctx, lifecycle.FiredEvent{
			OwnerID:     ev.OwnerID,
			ReminderID:  ev.ReminderID,
			Handle:      ev.Handle,
			ScheduledAt: ev.ScheduledAt,
			FiredAt:     firedAt,
		})

	case models.EventOpened:
		return c.manager.OnOpened(ctx, ev.OwnerID, ev.ReminderID)

	case models.EventTimezoneChanged:
		if ev.Timezone == "" {
			return fmt.Errorf("timezone_changed event missing timezone")
		}
		if err := c.devices.SetTimezone(ctx, ev.DeviceID, ev.Timezone); err != nil {
			return fmt.Errorf("failed to update device timezone: %w", err)
		}
		c.reconciler.TriggerDevice(ev.DeviceID)
		return nil

	case models.EventPermissionChanged:
		if ev.ExactAlarmGranted == nil {
			return fmt.Errorf("permission_changed event missing exact_alarm_granted")
		}
		if err := c.devices.SetExactAlarmGranted(ctx, ev.DeviceID, *ev.ExactAlarmGranted); err != nil {
			return fmt.Errorf("failed to update exact alarm permission: %w", err)
		}
		c.reconciler.TriggerDevice(ev.DeviceID)
		return nil

	default:
		c.logger.Warn("Unknown device event type",
			zap.String("event_type", ev.EventType),
			zap.String("device_id", ev.DeviceID),
		)
		return nil
	}
}
