package models

import "time"

// 设备回调事件类型
const (
	EventFired             = "fired"              // 设备侧通知/闹钟已触发
	EventOpened            = "opened"             // 用户点开了通知
	EventTimezoneChanged   = "timezone_changed"   // 设备时区变更
	EventPermissionChanged = "permission_changed" // 精确闹钟权限变更
)

// DeviceEvent 设备上报事件（MQTT → Redis Streams）
// fired/opened 事件进入生命周期状态机；
// timezone_changed/permission_changed 触发该设备的对账
type DeviceEvent struct {
	EventType  string `json:"event_type"`
	DeviceID   string `json:"device_id"`
	OwnerID    string `json:"owner_id"`
	ReminderID string `json:"reminder_id,omitempty"`
	Handle     string `json:"handle,omitempty"`

	// fired：设备侧记录的预定触发时刻（用于 occurrence 去重）
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// timezone_changed
	Timezone string `json:"timezone,omitempty"`
	// permission_changed
	ExactAlarmGranted *bool `json:"exact_alarm_granted,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// StateChange 提醒状态变更事件（发布到 reminder:events 流，供 UI 实时订阅）
type StateChange struct {
	ReminderID   string    `json:"reminder_id"`
	OwnerID      string    `json:"owner_id"`
	Status       string    `json:"status"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}
