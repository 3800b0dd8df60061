package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/recurrence"
	"lifetrack-reminder/internal/repository"
	"lifetrack-reminder/internal/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager 提醒生命周期管理器
// 状态机：draft → scheduled → fired → completed，scheduled → canceled，
// fired → scheduled（重复提醒重新上膛）。
// 所有句柄读写都经过这里；设备侧注册策略由 scheduler 适配层屏蔽。
type Manager struct {
	reminders   repository.RemindersRepository
	occurrences repository.OccurrencesRepository
	devices     repository.DevicesRepository
	sched       scheduler.DeviceScheduler
	exact       scheduler.ExactCapability
	events      *EventPublisher
	logger      *zap.Logger

	inflight *inflightGuard
	now      func() time.Time

	// Global 广播没有目标设备，由服务端定时器触发；key 为 reminder_id
	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewManager 创建生命周期管理器
func NewManager(
	reminders repository.RemindersRepository,
	occurrences repository.OccurrencesRepository,
	devices repository.DevicesRepository,
	sched scheduler.DeviceScheduler,
	exact scheduler.ExactCapability,
	events *EventPublisher,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		reminders:   reminders,
		occurrences: occurrences,
		devices:     devices,
		sched:       sched,
		exact:       exact,
		events:      events,
		logger:      logger,
		inflight:    newInflightGuard(),
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

// SetClock 替换时钟（测试固定时间用）
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateInput 创建提醒的输入
type CreateInput struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Kind     string `json:"kind"`
	Mode     string `json:"mode"`

	PatternType string     `json:"pattern_type"`
	TriggerAt   *time.Time `json:"trigger_at,omitempty"`
	AtHour      *int       `json:"at_hour,omitempty"`
	AtMinute    *int       `json:"at_minute,omitempty"`
	Weekdays    []int      `json:"weekdays,omitempty"`
}

// CreateResult 创建结果
// Degraded：请求了 Alarm 模式但权限缺失，已回退 Normal（操作成功，非错误）
type CreateResult struct {
	Reminder *models.Reminder `json:"reminder"`
	Degraded bool             `json:"degraded"`
}

// Create 创建并调度提醒
// 持久化失败 → ErrPersistence，记录不产生；
// 调度失败（含一次重试）→ ErrSchedulingFailed，记录保留在 draft 状态
func (m *Manager) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	r := &models.Reminder{
		ReminderID:          uuid.New().String(),
		OwnerID:             in.OwnerID,
		DeviceID:            in.DeviceID,
		Title:               in.Title,
		Body:                in.Body,
		Kind:                in.Kind,
		PatternType:         in.PatternType,
		TriggerAt:           in.TriggerAt,
		AtHour:              in.AtHour,
		AtMinute:            in.AtMinute,
		Weekdays:            in.Weekdays,
		Mode:                in.Mode,
		Status:              models.StatusDraft,
		NotificationHandles: []string{},
	}
	if r.Kind == "" {
		r.Kind = models.KindLocal
	}
	if r.Mode == "" {
		r.Mode = models.ModeNormal
	}

	// 1. 模式校验（空工作日集合等构造错误在这里拒绝）
	pattern, err := recurrence.FromReminder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	loc := m.deviceLocation(ctx, r.DeviceID)
	if _, ok := recurrence.NextTrigger(pattern, m.now(), loc); !ok {
		return nil, fmt.Errorf("%w: trigger instant already elapsed", ErrInvalidPattern)
	}

	// 2. 持久化（失败则中止，无部分状态）
	if err := m.reminders.CreateReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if !m.inflight.begin(r.ReminderID) {
		return nil, ErrConcurrentModification
	}

	// 3. 设备侧注册
	handles, next, degraded, err := m.scheduleReminder(ctx, r, pattern, loc)
	if err != nil {
		m.inflight.end(r.ReminderID)
		// 记录保留（draft），绝不静默丢弃；下一次对账会重试
		m.logger.Error("Reminder created but scheduling failed",
			zap.String("reminder_id", r.ReminderID),
			zap.Error(err),
		)
		return &CreateResult{Reminder: r}, err
	}

	// 4. 句柄入库 + 状态转移
	if err := m.commitSchedule(ctx, r, handles, next, models.StatusScheduled); err != nil {
		m.inflight.end(r.ReminderID)
		return nil, err
	}

	// 5. await 链期间收到取消请求：丢弃本次注册结果
	if canceled := m.inflight.end(r.ReminderID); canceled {
		m.stopBroadcastTimer(r.ReminderID)
		m.discardHandles(ctx, r.DeviceID, handles)
		_ = m.reminders.UpdateHandles(ctx, r.ReminderID, nil, nil)
		_ = m.reminders.SetStatus(ctx, r.ReminderID, models.StatusCanceled)
		r.Status = models.StatusCanceled
		r.NotificationHandles = []string{}
		return &CreateResult{Reminder: r, Degraded: degraded}, nil
	}

	m.publish(ctx, r, "", degraded)

	m.logger.Info("Reminder created",
		zap.String("reminder_id", r.ReminderID),
		zap.String("owner_id", r.OwnerID),
		zap.String("pattern_type", r.PatternType),
		zap.Bool("degraded", degraded),
	)

	return &CreateResult{Reminder: r, Degraded: degraded}, nil
}

// EditInput 编辑提醒的输入（nil 字段表示不修改）
type EditInput struct {
	Title       *string    `json:"title,omitempty"`
	Body        *string    `json:"body,omitempty"`
	Mode        *string    `json:"mode,omitempty"`
	PatternType *string    `json:"pattern_type,omitempty"`
	TriggerAt   *time.Time `json:"trigger_at,omitempty"`
	AtHour      *int       `json:"at_hour,omitempty"`
	AtMinute    *int       `json:"at_minute,omitempty"`
	Weekdays    []int      `json:"weekdays,omitempty"`
}

// Edit 编辑提醒：先取消旧句柄，再按新规则注册
// 句柄列表只在注册成功后整体替换：失败时库里仍是编辑前的列表（对账兜底），
// 绝不出现部分写入
func (m *Manager) Edit(ctx context.Context, ownerID, reminderID string, in EditInput) (*CreateResult, error) {
	if !m.inflight.begin(reminderID) {
		return nil, ErrConcurrentModification
	}
	defer func() {
		if canceled := m.inflight.end(reminderID); canceled {
			m.cancelStored(ctx, ownerID, reminderID)
		}
	}()

	r, err := m.reminders.GetReminder(ctx, ownerID, reminderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	// 1. 应用变更（与 Create 同一套校验，已过期的触发时刻在撤销句柄前拒绝）
	applyEdit(r, in)
	pattern, err := recurrence.FromReminder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	loc := m.deviceLocation(ctx, r.DeviceID)
	if _, ok := recurrence.NextTrigger(pattern, m.now(), loc); !ok {
		return nil, fmt.Errorf("%w: trigger instant already elapsed", ErrInvalidPattern)
	}

	// 2. 取消当前全部句柄（幂等）
	oldHandles := r.NotificationHandles
	m.discardHandles(ctx, r.DeviceID, oldHandles)

	// 3. 内容落库
	if err := m.reminders.UpdateContent(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// 4. 重新注册
	handles, next, degraded, err := m.scheduleReminder(ctx, r, pattern, loc)
	if err != nil {
		// 库中句柄列表保持编辑前的值；设备侧已取消的注册由对账补回
		m.logger.Error("Reminder edit failed at scheduling",
			zap.String("reminder_id", reminderID),
			zap.Error(err),
		)
		return &CreateResult{Reminder: r}, err
	}

	// 5. 整体替换句柄列表
	if err := m.commitSchedule(ctx, r, handles, next, models.StatusScheduled); err != nil {
		return nil, err
	}

	m.publish(ctx, r, "", degraded)

	m.logger.Info("Reminder edited",
		zap.String("reminder_id", reminderID),
		zap.Int("old_handle_count", len(oldHandles)),
		zap.Int("new_handle_count", len(handles)),
	)

	return &CreateResult{Reminder: r, Degraded: degraded}, nil
}

// FiredEvent 设备触发回调
type FiredEvent struct {
	OwnerID     string
	ReminderID  string
	Handle      string
	ScheduledAt *time.Time // 设备侧记录的预定触发时刻
	FiredAt     time.Time
}

// OnFired 处理设备侧"已触发"回调
// 一次性提醒：送达 ≠ 完成，只标记 delivered 并转 fired；
// 重复提醒：物化 occurrence（(reminder_id, scheduled_at) 去重吸收重复触发），
// 仅在本次物化为新记录时重新上膛，避免重复注册
func (m *Manager) OnFired(ctx context.Context, ev FiredEvent) error {
	r, err := m.reminders.GetReminder(ctx, ev.OwnerID, ev.ReminderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if !r.IsRecurring() {
		// 一次性（含 Global 广播）：单调标记送达
		if _, err := m.reminders.MarkDelivered(ctx, r.ReminderID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := m.reminders.SetStatus(ctx, r.ReminderID, models.StatusFired); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		// 句柄已被消费
		if err := m.reminders.UpdateHandles(ctx, r.ReminderID, nil, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		r.Status = models.StatusFired
		m.publish(ctx, r, "", false)
		return nil
	}

	// 重复提醒
	scheduledAt := ev.FiredAt
	switch {
	case ev.ScheduledAt != nil:
		scheduledAt = *ev.ScheduledAt
	case r.NextTriggerAt != nil && !r.NextTriggerAt.After(ev.FiredAt):
		scheduledAt = *r.NextTriggerAt
	default:
		// next_trigger_at 已被前一次回调重新上膛推进到未来：
		// 回放事件没有可信的预定时刻，按已物化的未完成 occurrence 去重
		open, lerr := m.occurrences.ListOpenOccurrences(ctx, r.ReminderID)
		if lerr != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, lerr)
		}
		for _, existing := range open {
			if !existing.ScheduledAt.After(ev.FiredAt) {
				m.logger.Debug("Duplicate fire absorbed",
					zap.String("reminder_id", r.ReminderID),
					zap.Time("fired_at", ev.FiredAt),
				)
				return nil
			}
		}
	}

	occ, created, err := m.occurrences.UpsertOccurrence(ctx, r.ReminderID, scheduledAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !created {
		// 重复触发（至少一次语义）：occurrence 已存在，也已重新上膛过
		m.logger.Debug("Duplicate fire absorbed",
			zap.String("reminder_id", r.ReminderID),
			zap.Time("scheduled_at", scheduledAt),
		)
		return nil
	}

	// 重新上膛下一次触发
	if err := m.Reschedule(ctx, r); err != nil {
		// 下一次注册失败不吞掉 occurrence；对账会补
		m.logger.Error("Failed to re-arm recurring reminder",
			zap.String("reminder_id", r.ReminderID),
			zap.Error(err),
		)
	}

	r.Status = models.StatusScheduled
	m.publishOccurrence(ctx, r, occ.OccurrenceID)

	m.logger.Info("Occurrence materialized",
		zap.String("reminder_id", r.ReminderID),
		zap.String("occurrence_id", occ.OccurrenceID),
		zap.Time("scheduled_at", scheduledAt),
	)

	return nil
}

// OnOpened 处理"用户点开通知"回调（送达的单调标记，不代表完成）
func (m *Manager) OnOpened(ctx context.Context, ownerID, reminderID string) error {
	r, err := m.reminders.GetReminder(ctx, ownerID, reminderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if !r.IsRecurring() {
		if _, err := m.reminders.MarkDelivered(ctx, r.ReminderID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	m.publish(ctx, r, "", false)
	return nil
}

// CompleteResult 完成操作结果
type CompleteResult struct {
	// AlreadyCompleted 第二次及以后的调用返回 true，且未执行写入
	AlreadyCompleted bool `json:"already_completed"`
}

// CompleteReminder 用户确认完成一次性提醒（幂等）
// 操作系统投递是至少一次的，用户也可能在观察到触发前手动完成，
// 守护更新保证 completed_at 只被写一次
func (m *Manager) CompleteReminder(ctx context.Context, ownerID, reminderID string) (*CompleteResult, error) {
	r, err := m.reminders.GetReminder(ctx, ownerID, reminderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if r.IsRecurring() {
		// 重复提醒按 occurrence 逐次确认，不允许整条完成
		return nil, fmt.Errorf("%w: recurring reminders complete per occurrence", ErrInvalidPattern)
	}

	performed, err := m.reminders.CompleteReminder(ctx, reminderID, m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !performed {
		return &CompleteResult{AlreadyCompleted: true}, nil
	}

	// 未触发就完成：撤掉设备侧注册 / 服务端定时器
	m.stopBroadcastTimer(reminderID)
	if len(r.NotificationHandles) > 0 {
		m.discardHandles(ctx, r.DeviceID, r.NotificationHandles)
		if err := m.reminders.UpdateHandles(ctx, reminderID, nil, nil); err != nil {
			m.logger.Error("Failed to clear handles after completion",
				zap.String("reminder_id", reminderID),
				zap.Error(err),
			)
		}
	}

	r.Status = models.StatusCompleted
	m.publish(ctx, r, "", false)
	return &CompleteResult{}, nil
}

// CompleteOccurrence 用户确认完成一次触发（幂等）
func (m *Manager) CompleteOccurrence(ctx context.Context, ownerID, occurrenceID string) (*CompleteResult, error) {
	occ, err := m.occurrences.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	performed, err := m.occurrences.CompleteOccurrence(ctx, occurrenceID, m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !performed {
		return &CompleteResult{AlreadyCompleted: true}, nil
	}

	m.events.Publish(ctx, models.StateChange{
		ReminderID:   occ.ReminderID,
		OwnerID:      ownerID,
		Status:       models.StatusCompleted,
		OccurrenceID: occurrenceID,
		ChangedAt:    m.now(),
	})
	return &CompleteResult{}, nil
}

// Cancel 取消提醒：撤掉设备侧注册并转 canceled
// create/edit 进行中时安全：标记取消请求，进行中操作结束时丢弃其注册结果
func (m *Manager) Cancel(ctx context.Context, ownerID, reminderID string) error {
	m.inflight.requestCancel(reminderID)
	return m.cancelStored(ctx, ownerID, reminderID)
}

// Delete 删除提醒：先撤销设备侧注册，再删除记录（occurrence 级联）
func (m *Manager) Delete(ctx context.Context, ownerID, reminderID string) error {
	m.inflight.requestCancel(reminderID)

	r, err := m.reminders.GetReminder(ctx, ownerID, reminderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	m.stopBroadcastTimer(reminderID)
	m.discardHandles(ctx, r.DeviceID, r.NotificationHandles)

	if err := m.reminders.DeleteReminder(ctx, ownerID, reminderID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.logger.Info("Reminder deleted",
		zap.String("reminder_id", reminderID),
		zap.String("owner_id", ownerID),
	)
	return nil
}

// ListUpcoming 按下一次触发时刻排序列出某用户的提醒
func (m *Manager) ListUpcoming(ctx context.Context, ownerID string, limit int) ([]*models.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	list, err := m.reminders.ListUpcoming(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return list, nil
}

// UpcomingItem 即将到来列表的一项：提醒 + 尚未确认完成的触发记录
type UpcomingItem struct {
	Reminder        *models.Reminder             `json:"reminder"`
	OpenOccurrences []*models.ReminderOccurrence `json:"open_occurrences,omitempty"`
}

// UpcomingFeed 合并视图：待触发的提醒与已触发未完成的 occurrence
func (m *Manager) UpcomingFeed(ctx context.Context, ownerID string, limit int) ([]UpcomingItem, error) {
	reminders, err := m.ListUpcoming(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}

	items := make([]UpcomingItem, 0, len(reminders))
	for _, r := range reminders {
		item := UpcomingItem{Reminder: r}
		if r.IsRecurring() {
			open, oerr := m.occurrences.ListOpenOccurrences(ctx, r.ReminderID)
			if oerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersistence, oerr)
			}
			item.OpenOccurrences = open
		}
		items = append(items, item)
	}
	return items, nil
}

// ListActive 列出某用户全部活跃提醒
func (m *Manager) ListActive(ctx context.Context, ownerID string) ([]*models.Reminder, error) {
	list, err := m.reminders.ListActiveReminders(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return list, nil
}

// Events 状态变更事件发布器（SSE / 对账共用）
func (m *Manager) Events() *EventPublisher {
	return m.events
}

// Reschedule 撤掉现有句柄并按当前规则重新注册（对账与重新上膛共用）
func (m *Manager) Reschedule(ctx context.Context, r *models.Reminder) error {
	pattern, err := recurrence.FromReminder(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	m.discardHandles(ctx, r.DeviceID, r.NotificationHandles)

	loc := m.deviceLocation(ctx, r.DeviceID)
	handles, next, _, err := m.scheduleReminder(ctx, r, pattern, loc)
	if err != nil {
		return err
	}

	return m.commitSchedule(ctx, r, handles, next, models.StatusScheduled)
}

// ============================================
// 内部工具
// ============================================

// scheduleReminder 按模式注册设备触发
// custom + weekly：每个选中工作日注册一个单次触发（可独立取消）；
// 其余：只保留一个待触发注册。任一注册失败（含一次重试）时回收已注册
// 的新句柄，不留孤儿
func (m *Manager) scheduleReminder(ctx context.Context, r *models.Reminder, pattern recurrence.Pattern, loc *time.Location) (handles []string, next *time.Time, degraded bool, err error) {
	// Global 广播没有目标设备：不经设备调度器（无句柄），到点由服务端定时器
	// 当作触发事件处理，推送分发器再扇出到 Web Push 订阅
	if r.Kind == models.KindGlobal {
		triggerAt, ok := recurrence.NextTrigger(pattern, m.now(), loc)
		if !ok {
			return nil, nil, false, fmt.Errorf("%w: no next trigger", ErrSchedulingFailed)
		}
		m.armBroadcastTimer(r.OwnerID, r.ReminderID, triggerAt)
		return nil, &triggerAt, false, nil
	}

	exact := r.Mode == models.ModeAlarm
	if exact {
		granted, gerr := m.exact.CanScheduleExact(ctx, r.DeviceID)
		if gerr != nil || !granted {
			// 权限缺失：回退普通通道，降级对调用方可见，绝不静默
			exact = false
			degraded = true
			m.logger.Warn("Exact alarm unavailable, falling back to normal scheduling",
				zap.String("reminder_id", r.ReminderID),
				zap.String("device_id", r.DeviceID),
				zap.Error(gerr),
			)
		}
	}

	now := m.now()

	if r.Kind == models.KindCustom && pattern.Type == models.PatternWeekly {
		// 每个工作日一个注册
		for _, d := range pattern.SortedWeekdays() {
			p := pattern
			p.Weekdays = []time.Weekday{d}
			triggerAt, ok := recurrence.NextTrigger(p, now, loc)
			if !ok {
				continue
			}
			handle, serr := m.scheduleWithRetry(ctx, r, triggerAt, exact)
			if serr != nil {
				m.discardHandles(ctx, r.DeviceID, handles)
				return nil, nil, degraded, fmt.Errorf("%w: %v", ErrSchedulingFailed, serr)
			}
			handles = append(handles, handle)
			if next == nil || triggerAt.Before(*next) {
				t := triggerAt
				next = &t
			}
		}
		return handles, next, degraded, nil
	}

	triggerAt, ok := recurrence.NextTrigger(pattern, now, loc)
	if !ok {
		return nil, nil, degraded, fmt.Errorf("%w: no next trigger", ErrSchedulingFailed)
	}

	handle, serr := m.scheduleWithRetry(ctx, r, triggerAt, exact)
	if serr != nil {
		return nil, nil, degraded, fmt.Errorf("%w: %v", ErrSchedulingFailed, serr)
	}

	return []string{handle}, &triggerAt, degraded, nil
}

// scheduleWithRetry 注册一次触发，失败立即重试一次
func (m *Manager) scheduleWithRetry(ctx context.Context, r *models.Reminder, triggerAt time.Time, exact bool) (string, error) {
	req := scheduler.ScheduleRequest{
		DeviceID:   r.DeviceID,
		ReminderID: r.ReminderID,
		Title:      r.Title,
		Body:       r.Body,
		TriggerAt:  triggerAt,
		Exact:      exact,
	}

	handle, err := m.sched.Schedule(ctx, req)
	if err == nil {
		return handle, nil
	}

	m.logger.Warn("Schedule failed, retrying once",
		zap.String("reminder_id", r.ReminderID),
		zap.Error(err),
	)

	return m.sched.Schedule(ctx, req)
}

// commitSchedule 句柄入库并转移状态
func (m *Manager) commitSchedule(ctx context.Context, r *models.Reminder, handles []string, next *time.Time, status string) error {
	if err := m.reminders.UpdateHandles(ctx, r.ReminderID, handles, next); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if r.Status != status {
		if err := m.reminders.SetStatus(ctx, r.ReminderID, status); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	r.NotificationHandles = handles
	r.NextTriggerAt = next
	r.Status = status
	return nil
}

// armBroadcastTimer 服务端定时器：到点把 Global 广播当作触发事件处理
// 进程重启丢失的定时器由对账补膛（EnsureBroadcastTimer / 隐式 OnFired）
func (m *Manager) armBroadcastTimer(ownerID, reminderID string, at time.Time) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.timers[reminderID]; ok {
		t.Stop()
	}

	delay := at.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	scheduledAt := at
	m.timers[reminderID] = time.AfterFunc(delay, func() {
		m.timersMu.Lock()
		delete(m.timers, reminderID)
		m.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.OnFired(ctx, FiredEvent{
			OwnerID:     ownerID,
			ReminderID:  reminderID,
			ScheduledAt: &scheduledAt,
			FiredAt:     m.now(),
		}); err != nil {
			m.logger.Error("Failed to fire broadcast reminder",
				zap.String("reminder_id", reminderID),
				zap.Error(err),
			)
		}
	})
}

func (m *Manager) stopBroadcastTimer(reminderID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[reminderID]; ok {
		t.Stop()
		delete(m.timers, reminderID)
	}
}

// EnsureBroadcastTimer 保证广播提醒有在册的服务端定时器（对账补膛用）
func (m *Manager) EnsureBroadcastTimer(r *models.Reminder) {
	if r.Kind != models.KindGlobal || r.NextTriggerAt == nil {
		return
	}
	m.timersMu.Lock()
	_, armed := m.timers[r.ReminderID]
	m.timersMu.Unlock()
	if !armed {
		m.armBroadcastTimer(r.OwnerID, r.ReminderID, *r.NextTriggerAt)
	}
}

// cancelStored 撤销库中记录的句柄并转 canceled
func (m *Manager) cancelStored(ctx context.Context, ownerID, reminderID string) error {
	r, err := m.reminders.GetReminder(ctx, ownerID, reminderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	m.stopBroadcastTimer(reminderID)
	m.discardHandles(ctx, r.DeviceID, r.NotificationHandles)

	if err := m.reminders.UpdateHandles(ctx, reminderID, nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := m.reminders.SetStatus(ctx, reminderID, models.StatusCanceled); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.Status = models.StatusCanceled
	r.NotificationHandles = []string{}
	m.publish(ctx, r, "", false)
	return nil
}

// discardHandles 逐个取消句柄（取消是幂等的，失败只记日志，由对账兜底）
func (m *Manager) discardHandles(ctx context.Context, deviceID string, handles []string) {
	for _, h := range handles {
		if err := m.sched.Cancel(ctx, deviceID, h); err != nil {
			m.logger.Warn("Failed to cancel device trigger",
				zap.String("device_id", deviceID),
				zap.String("handle", h),
				zap.Error(err),
			)
		}
	}
}

// deviceLocation 解析设备时区；设备缺失或时区非法时退回 UTC
func (m *Manager) deviceLocation(ctx context.Context, deviceID string) *time.Location {
	d, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		m.logger.Debug("Device not found, using UTC", zap.String("device_id", deviceID))
		return time.UTC
	}

	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		m.logger.Warn("Invalid device timezone, using UTC",
			zap.String("device_id", deviceID),
			zap.String("timezone", d.Timezone),
		)
		return time.UTC
	}

	return loc
}

func (m *Manager) publish(ctx context.Context, r *models.Reminder, occurrenceID string, degraded bool) {
	m.events.Publish(ctx, models.StateChange{
		ReminderID:   r.ReminderID,
		OwnerID:      r.OwnerID,
		Status:       r.Status,
		OccurrenceID: occurrenceID,
		Degraded:     degraded,
		ChangedAt:    m.now(),
	})
}

func (m *Manager) publishOccurrence(ctx context.Context, r *models.Reminder, occurrenceID string) {
	m.publish(ctx, r, occurrenceID, false)
}

func applyEdit(r *models.Reminder, in EditInput) {
	if in.Title != nil {
		r.Title = *in.Title
	}
	if in.Body != nil {
		r.Body = *in.Body
	}
	if in.Mode != nil {
		r.Mode = *in.Mode
	}
	if in.PatternType != nil {
		r.PatternType = *in.PatternType
	}
	if in.TriggerAt != nil {
		r.TriggerAt = in.TriggerAt
	}
	if in.AtHour != nil {
		r.AtHour = in.AtHour
	}
	if in.AtMinute != nil {
		r.AtMinute = in.AtMinute
	}
	if in.Weekdays != nil {
		r.Weekdays = in.Weekdays
	}
}
