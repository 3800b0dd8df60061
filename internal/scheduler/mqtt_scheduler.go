package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lifetrack-reminder/internal/config"
	"lifetrack-reminder/internal/mqttx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 设备指令动作
const (
	actionSchedule = "schedule"
	actionCancel   = "cancel"
)

// deviceCommand 下发到设备指令主题的消息体
type deviceCommand struct {
	Action     string `json:"action"`
	Handle     string `json:"handle"`
	ReminderID string `json:"reminder_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
	TriggerAt  string `json:"trigger_at,omitempty"` // RFC3339
	Exact      bool   `json:"exact,omitempty"`
	IssuedAt   int64  `json:"issued_at"`
}

// MQTTScheduler 基于 MQTT 指令通道的设备调度器
// 句柄由服务端生成（UUID），随指令下发；设备对未知句柄的取消指令按 no-op 处理
type MQTTScheduler struct {
	publisher mqttx.Publisher
	config    *config.MQTTConfig
	logger    *zap.Logger
}

// NewMQTTScheduler 创建 MQTT 设备调度器
func NewMQTTScheduler(publisher mqttx.Publisher, cfg *config.MQTTConfig, logger *zap.Logger) *MQTTScheduler {
	return &MQTTScheduler{
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

var _ DeviceScheduler = (*MQTTScheduler)(nil)

// Schedule 注册一次触发
func (s *MQTTScheduler) Schedule(ctx context.Context, req ScheduleRequest) (string, error) {
	if req.DeviceID == "" {
		return "", fmt.Errorf("schedule request has no device id")
	}

	handle := uuid.New().String()
	cmd := deviceCommand{
		Action:     actionSchedule,
		Handle:     handle,
		ReminderID: req.ReminderID,
		Title:      req.Title,
		Body:       req.Body,
		TriggerAt:  req.TriggerAt.Format(time.RFC3339),
		Exact:      req.Exact,
		IssuedAt:   time.Now().Unix(),
	}

	if err := s.publish(req.DeviceID, cmd); err != nil {
		return "", err
	}

	s.logger.Debug("Scheduled device trigger",
		zap.String("device_id", req.DeviceID),
		zap.String("reminder_id", req.ReminderID),
		zap.String("handle", handle),
		zap.Time("trigger_at", req.TriggerAt),
		zap.Bool("exact", req.Exact),
	)

	return handle, nil
}

// Cancel 取消注册（幂等）
func (s *MQTTScheduler) Cancel(ctx context.Context, deviceID, handle string) error {
	if handle == "" {
		return nil
	}

	cmd := deviceCommand{
		Action:   actionCancel,
		Handle:   handle,
		IssuedAt: time.Now().Unix(),
	}

	if err := s.publish(deviceID, cmd); err != nil {
		return err
	}

	s.logger.Debug("Canceled device trigger",
		zap.String("device_id", deviceID),
		zap.String("handle", handle),
	)

	return nil
}

func (s *MQTTScheduler) publish(deviceID string, cmd deviceCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal device command: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/cmd", s.config.CommandTopicPrefix, deviceID)
	if err := s.publisher.Publish(topic, s.config.QoS, false, payload); err != nil {
		return fmt.Errorf("failed to publish device command: %w", err)
	}

	return nil
}
