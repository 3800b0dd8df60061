package scheduler

import (
	"context"
	"time"
)

// ScheduleRequest 一次设备侧注册请求
// Exact 为 true 走原生精确闹钟通道（需要权限），否则走普通本地通知通道
type ScheduleRequest struct {
	DeviceID   string    `json:"device_id"`
	ReminderID string    `json:"reminder_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	TriggerAt  time.Time `json:"trigger_at"`
	Exact      bool      `json:"exact"`
}

// DeviceScheduler 设备调度器适配层
// 屏蔽平台差异：生命周期管理器只拿到可取消的句柄，不关心底层注册策略
type DeviceScheduler interface {
	// Schedule 注册一次触发，返回可取消的句柄
	Schedule(ctx context.Context, req ScheduleRequest) (string, error)

	// Cancel 取消注册。幂等：句柄已触发/已取消/不存在均为 no-op
	Cancel(ctx context.Context, deviceID, handle string) error
}

// ExactCapability 精确闹钟能力门
// 普通通知不需要权限；精确闹钟需设备网关确认授权状态
type ExactCapability interface {
	// CanScheduleExact 查询设备当前是否允许精确闹钟
	CanScheduleExact(ctx context.Context, deviceID string) (bool, error)

	// RequestExactPermission 向设备发起权限请求，返回是否获得授权
	RequestExactPermission(ctx context.Context, deviceID string) (bool, error)
}
