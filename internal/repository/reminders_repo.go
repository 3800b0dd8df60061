package repository

import (
	"context"
	"time"

	"lifetrack-reminder/internal/models"
)

// RemindersRepository 提醒Repository接口
// 持久层协作者：生命周期管理器与对账只通过这里读写 reminders 表
type RemindersRepository interface {
	// CreateReminder 创建提醒记录
	CreateReminder(ctx context.Context, r *models.Reminder) error

	// GetReminder 获取单条提醒
	GetReminder(ctx context.Context, ownerID, reminderID string) (*models.Reminder, error)

	// ListActiveReminders 列出某用户所有活跃（非取消、非一次性已完成）的提醒
	ListActiveReminders(ctx context.Context, ownerID string) ([]*models.Reminder, error)

	// ListAllActive 列出全部活跃提醒（对账遍历用）
	ListAllActive(ctx context.Context) ([]*models.Reminder, error)

	// ListUpcoming 按下一次触发时刻排序列出某用户的提醒
	ListUpcoming(ctx context.Context, ownerID string, limit int) ([]*models.Reminder, error)

	// UpdateContent 更新内容字段（标题/正文/模式/重复规则）
	UpdateContent(ctx context.Context, r *models.Reminder) error

	// UpdateHandles 原子替换句柄列表与对应的下一次触发时刻
	UpdateHandles(ctx context.Context, reminderID string, handles []string, nextTriggerAt *time.Time) error

	// SetStatus 更新生命周期状态
	SetStatus(ctx context.Context, reminderID, status string) error

	// MarkDelivered 标记已送达（单调：只允许 false→true）
	MarkDelivered(ctx context.Context, reminderID string) (bool, error)

	// CompleteReminder 幂等完成：WHERE completed_at IS NULL 守护更新
	// 返回本次调用是否真正执行了状态转移
	CompleteReminder(ctx context.Context, reminderID string, completedAt time.Time) (bool, error)

	// SetRepairAttempts 记录对账修复失败计数
	SetRepairAttempts(ctx context.Context, reminderID string, attempts int) error

	// DeleteReminder 删除提醒
	DeleteReminder(ctx context.Context, ownerID, reminderID string) error
}

// OccurrencesRepository 提醒触发记录Repository接口
type OccurrencesRepository interface {
	// UpsertOccurrence 守护的唯一插入：(reminder_id, scheduled_at) 已存在则返回现有记录
	// created 指示是否为本次插入
	UpsertOccurrence(ctx context.Context, reminderID string, scheduledAt time.Time) (occ *models.ReminderOccurrence, created bool, err error)

	// GetOccurrence 获取单条触发记录
	GetOccurrence(ctx context.Context, occurrenceID string) (*models.ReminderOccurrence, error)

	// CompleteOccurrence 幂等完成（WHERE completed_at IS NULL）
	CompleteOccurrence(ctx context.Context, occurrenceID string, completedAt time.Time) (bool, error)

	// ListOpenOccurrences 列出某提醒尚未完成的触发记录
	ListOpenOccurrences(ctx context.Context, reminderID string) ([]*models.ReminderOccurrence, error)
}

// DevicesRepository 设备Repository接口
type DevicesRepository interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpsertDevice(ctx context.Context, d *models.Device) error
	// SetTimezone 时区变更信号落库
	SetTimezone(ctx context.Context, deviceID, timezone string) error
	// SetExactAlarmGranted 精确闹钟权限变更落库
	SetExactAlarmGranted(ctx context.Context, deviceID string, granted bool) error
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// SubscriptionsRepository Web Push 订阅Repository接口（Global 广播用）
type SubscriptionsRepository interface {
	SaveSubscription(ctx context.Context, s *models.PushSubscription) error
	ListSubscriptions(ctx context.Context, ownerID string) ([]*models.PushSubscription, error)
	ListAllSubscriptions(ctx context.Context) ([]*models.PushSubscription, error)
	// DeleteByEndpoint 推送端点失效（410/404）时清理
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
