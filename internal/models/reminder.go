package models

import (
	"time"
)

// Reminder 种类
const (
	KindGlobal = "global" // 服务端广播，一次性送达
	KindLocal  = "local"  // 设备本地提醒
	KindCustom = "custom" // 自定义（每周多天，设备侧一天一个注册）
)

// Reminder 调度模式
const (
	ModeNormal = "normal" // 普通本地通知（可能被系统延迟/丢弃）
	ModeAlarm  = "alarm"  // 原生精确闹钟（需要权限）
)

// Reminder 重复模式类型
const (
	PatternOneTime = "one_time"
	PatternDaily   = "daily"
	PatternWeekly  = "weekly"
)

// Reminder 生命周期状态
const (
	StatusDraft     = "draft"     // 已持久化但未注册到设备调度器
	StatusScheduled = "scheduled"
	StatusFired     = "fired"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Reminder 提醒（对应 reminders 表）
type Reminder struct {
	ReminderID string `json:"reminder_id" db:"reminder_id"`
	OwnerID    string `json:"owner_id" db:"owner_id"`
	DeviceID   string `json:"device_id" db:"device_id"`
	Title      string `json:"title" db:"title"`
	Body       string `json:"body" db:"body"`

	Kind        string     `json:"kind" db:"kind"`
	PatternType string     `json:"pattern_type" db:"pattern_type"`
	TriggerAt   *time.Time `json:"trigger_at,omitempty" db:"trigger_at"`     // one_time：绝对触发时刻
	AtHour      *int       `json:"at_hour,omitempty" db:"at_hour"`           // daily/weekly：当地时间小时
	AtMinute    *int       `json:"at_minute,omitempty" db:"at_minute"`       // daily/weekly：当地时间分钟
	Weekdays    []int      `json:"weekdays,omitempty" db:"weekdays"`         // weekly：0=周日..6=周六
	Mode        string     `json:"mode" db:"mode"`

	Status string `json:"status" db:"status"`

	// 当前注册在设备调度器上的句柄（custom/weekly 每个工作日一个）
	NotificationHandles []string `json:"notification_handles" db:"notification_handles"`
	// 句柄对应的下一次触发时刻（对账用：漂移检测与漏触发检测）
	NextTriggerAt *time.Time `json:"next_trigger_at,omitempty" db:"next_trigger_at"`

	Delivered   bool       `json:"delivered" db:"delivered"`                 // Global / one_time：已送达
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"` // one_time：用户确认完成

	// 连续对账修复失败次数；超过阈值仅标记，不丢弃
	RepairAttempts int `json:"repair_attempts" db:"repair_attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRecurring 是否为重复提醒
func (r *Reminder) IsRecurring() bool {
	return r.PatternType == PatternDaily || r.PatternType == PatternWeekly
}

// IsActive 是否处于活跃状态（需要保持设备侧注册）
// one_time 已完成 / 已取消的提醒不再参与调度与对账
func (r *Reminder) IsActive() bool {
	if r.Status == StatusCanceled {
		return false
	}
	if !r.IsRecurring() && r.CompletedAt != nil {
		return false
	}
	if r.PatternType == PatternOneTime && r.Delivered && r.Status == StatusFired {
		// 已送达未确认：不需要新注册，但保留在列表中
		return false
	}
	return r.Status != StatusCompleted
}

// ReminderOccurrence 重复提醒的一次具体触发（对应 reminder_occurrences 表）
// 唯一约束 (reminder_id, scheduled_at) 吸收操作系统的至少一次触发
type ReminderOccurrence struct {
	OccurrenceID string     `json:"occurrence_id" db:"occurrence_id"`
	ReminderID   string     `json:"reminder_id" db:"reminder_id"`
	ScheduledAt  time.Time  `json:"scheduled_at" db:"scheduled_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Device 设备（对应 devices 表）
type Device struct {
	DeviceID          string    `json:"device_id" db:"device_id"`
	OwnerID           string    `json:"owner_id" db:"owner_id"`
	Timezone          string    `json:"timezone" db:"timezone"`
	ExactAlarmGranted bool      `json:"exact_alarm_granted" db:"exact_alarm_granted"`
	LastSeenAt        time.Time `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// PushSubscription Web Push 订阅（对应 push_subscriptions 表，Global 广播用）
type PushSubscription struct {
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	P256dh         string    `json:"p256dh" db:"p256dh"`
	Auth           string    `json:"auth" db:"auth"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
