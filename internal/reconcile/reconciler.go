package reconcile

import (
	"context"
	"sync"
	"time"

	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/recurrence"
	"lifetrack-reminder/internal/repository"

	"go.uber.org/zap"
)

// Reconciler 对账器
// 设备重装、崩溃、权限/时区变更都会让设备侧注册与库中状态漂移，
// 对账以库中记录为准修复设备侧：启动跑一次、周期跑、设备信号触发单设备跑。
// 修复连续失败只标记（repair_attempts），绝不丢弃提醒
type Reconciler struct {
	reminders repository.RemindersRepository
	devices   repository.DevicesRepository
	manager   *lifecycle.Manager
	logger    *zap.Logger

	interval        time.Duration
	repairThreshold int
	now             func() time.Time

	triggerCh chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// PassStats 一轮对账的统计
type PassStats struct {
	Checked  int
	Repaired int
	Failed   int
	Flagged  int
}

// NewReconciler 创建对账器
func NewReconciler(
	reminders repository.RemindersRepository,
	devices repository.DevicesRepository,
	manager *lifecycle.Manager,
	interval time.Duration,
	repairThreshold int,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		reminders:       reminders,
		devices:         devices,
		manager:         manager,
		logger:          logger,
		interval:        interval,
		repairThreshold: repairThreshold,
		now:             time.Now,
		triggerCh:       make(chan string, 16),
		stopCh:          make(chan struct{}),
	}
}

// Start 启动对账循环（启动立即跑一轮，之后周期 + 信号驱动）
func (rc *Reconciler) Start(ctx context.Context) {
	rc.wg.Add(1)
	go rc.run(ctx)
	rc.logger.Info("Reconciler started",
		zap.Duration("interval", rc.interval),
		zap.Int("repair_threshold", rc.repairThreshold),
	)
}

// Stop 停止对账循环
func (rc *Reconciler) Stop() {
	close(rc.stopCh)
	rc.wg.Wait()
	rc.logger.Info("Reconciler stopped")
}

// TriggerDevice 设备信号（时区/权限变更）触发该设备的对账
// 非阻塞：积压时丢弃，下一轮周期对账兜底
func (rc *Reconciler) TriggerDevice(deviceID string) {
	select {
	case rc.triggerCh <- deviceID:
	default:
		rc.logger.Warn("Reconcile trigger queue full, dropping signal",
			zap.String("device_id", deviceID),
		)
	}
}

func (rc *Reconciler) run(ctx context.Context) {
	defer rc.wg.Done()

	if _, err := rc.RunOnce(ctx); err != nil {
		rc.logger.Error("Startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rc.RunOnce(ctx); err != nil {
				rc.logger.Error("Periodic reconciliation failed", zap.Error(err))
			}
		case deviceID := <-rc.triggerCh:
			if _, err := rc.RunDevice(ctx, deviceID); err != nil {
				rc.logger.Error("Device reconciliation failed",
					zap.String("device_id", deviceID),
					zap.Error(err),
				)
			}
		}
	}
}

// RunOnce 对全部活跃提醒跑一轮对账
func (rc *Reconciler) RunOnce(ctx context.Context) (*PassStats, error) {
	active, err := rc.reminders.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	stats := rc.reconcileAll(ctx, active)

	rc.logger.Info("Reconciliation pass finished",
		zap.Int("checked", stats.Checked),
		zap.Int("repaired", stats.Repaired),
		zap.Int("failed", stats.Failed),
		zap.Int("flagged", stats.Flagged),
	)
	return stats, nil
}

// RunDevice 只对某台设备的活跃提醒跑对账（时区/权限变更信号驱动）
func (rc *Reconciler) RunDevice(ctx context.Context, deviceID string) (*PassStats, error) {
	active, err := rc.reminders.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	var scoped []*models.Reminder
	for _, r := range active {
		if r.DeviceID == deviceID {
			scoped = append(scoped, r)
		}
	}
	stats := rc.reconcileAll(ctx, scoped)

	rc.logger.Info("Device reconciliation finished",
		zap.String("device_id", deviceID),
		zap.Int("checked", stats.Checked),
		zap.Int("repaired", stats.Repaired),
	)
	return stats, nil
}

func (rc *Reconciler) reconcileAll(ctx context.Context, reminders []*models.Reminder) *PassStats {
	stats := &PassStats{}
	for _, r := range reminders {
		stats.Checked++
		repaired, err := rc.reconcileReminder(ctx, r)
		if err != nil {
			stats.Failed++
			attempts := r.RepairAttempts + 1
			if serr := rc.reminders.SetRepairAttempts(ctx, r.ReminderID, attempts); serr != nil {
				rc.logger.Error("Failed to record repair attempt",
					zap.String("reminder_id", r.ReminderID),
					zap.Error(serr),
				)
			}
			if attempts >= rc.repairThreshold {
				// 超阈值：标记需要人工关注，提醒保留
				stats.Flagged++
				rc.logger.Error("Reminder repair keeps failing, flagged for attention",
					zap.String("reminder_id", r.ReminderID),
					zap.Int("repair_attempts", attempts),
					zap.Error(err),
				)
			} else {
				rc.logger.Warn("Reminder repair failed, will retry next pass",
					zap.String("reminder_id", r.ReminderID),
					zap.Int("repair_attempts", attempts),
					zap.Error(err),
				)
			}
			continue
		}
		if repaired {
			stats.Repaired++
			if r.RepairAttempts > 0 {
				if serr := rc.reminders.SetRepairAttempts(ctx, r.ReminderID, 0); serr != nil {
					rc.logger.Error("Failed to reset repair attempts",
						zap.String("reminder_id", r.ReminderID),
						zap.Error(serr),
					)
				}
			}
		}
	}
	return stats
}

// reconcileReminder 单条提醒对账：以库中记录为准
// - 存储触发时刻已过 → 视为漏收的触发事件（隐式 OnFired）
// - 无句柄/无触发时刻 → 重新注册（global 广播本就无句柄，只补服务端定时器）
// - custom/weekly 句柄数与工作日数不符 → 重新注册
// - 存储触发时刻与按当前时区重算的结果漂移超过一分钟 → 重新注册
func (rc *Reconciler) reconcileReminder(ctx context.Context, r *models.Reminder) (bool, error) {
	pattern, err := recurrence.FromReminder(r)
	if err != nil {
		return false, err
	}

	now := rc.now()

	if r.NextTriggerAt != nil && r.NextTriggerAt.Before(now) {
		rc.logger.Info("Stored trigger already past, treating as missed fire",
			zap.String("reminder_id", r.ReminderID),
			zap.Time("next_trigger_at", *r.NextTriggerAt),
		)
		return true, rc.manager.OnFired(ctx, lifecycle.FiredEvent{
			OwnerID:     r.OwnerID,
			ReminderID:  r.ReminderID,
			ScheduledAt: r.NextTriggerAt,
			FiredAt:     now,
		})
	}

	loc := rc.deviceLocation(ctx, r.DeviceID)
	expected, ok := recurrence.NextTrigger(pattern, now, loc)
	if !ok {
		// one_time 已过触发时刻但库里没有记录到触发
		if r.Status == models.StatusScheduled || r.Status == models.StatusDraft {
			return true, rc.manager.OnFired(ctx, lifecycle.FiredEvent{
				OwnerID:    r.OwnerID,
				ReminderID: r.ReminderID,
				FiredAt:    now,
			})
		}
		return false, nil
	}

	if r.Kind == models.KindGlobal {
		// 广播不经设备调度器：无句柄是常态，只需保证触发时刻在册、定时器在膛
		if r.NextTriggerAt == nil {
			rc.logger.Info("Broadcast reminder has no trigger on record, scheduling fresh",
				zap.String("reminder_id", r.ReminderID),
			)
			return true, rc.manager.Reschedule(ctx, r)
		}
		rc.manager.EnsureBroadcastTimer(r)
	} else if len(r.NotificationHandles) == 0 || r.NextTriggerAt == nil {
		rc.logger.Info("Active reminder has no device registration, scheduling fresh",
			zap.String("reminder_id", r.ReminderID),
		)
		return true, rc.manager.Reschedule(ctx, r)
	}

	if r.Kind == models.KindCustom && r.PatternType == models.PatternWeekly &&
		len(r.NotificationHandles) != len(pattern.Weekdays) {
		rc.logger.Info("Handle count does not match weekday set, rescheduling",
			zap.String("reminder_id", r.ReminderID),
			zap.Int("handles", len(r.NotificationHandles)),
			zap.Int("weekdays", len(pattern.Weekdays)),
		)
		return true, rc.manager.Reschedule(ctx, r)
	}

	if drift := expected.Sub(*r.NextTriggerAt); drift > time.Minute || drift < -time.Minute {
		rc.logger.Info("Stored trigger drifted from recomputed trigger, rescheduling",
			zap.String("reminder_id", r.ReminderID),
			zap.Time("stored", *r.NextTriggerAt),
			zap.Time("expected", expected),
		)
		return true, rc.manager.Reschedule(ctx, r)
	}

	return false, nil
}

func (rc *Reconciler) deviceLocation(ctx context.Context, deviceID string) *time.Location {
	d, err := rc.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		rc.logger.Warn("Invalid device timezone, using UTC",
			zap.String("device_id", deviceID),
			zap.String("timezone", d.Timezone),
		)
		return time.UTC
	}
	return loc
}
