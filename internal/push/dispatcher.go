package push

import (
	"context"
	"sync"

	"lifetrack-reminder/internal/models"

	"go.uber.org/zap"
)

// StateChangeSource 状态变更订阅源
type StateChangeSource interface {
	Subscribe() (<-chan models.StateChange, func())
}

// ReminderSource 分发器需要的提醒读取能力
type ReminderSource interface {
	GetReminder(ctx context.Context, ownerID, reminderID string) (*models.Reminder, error)
}

// Dispatcher 推送分发器
// 订阅生命周期状态变更，Global 提醒触发时广播到全部 Web Push 订阅；
// local/custom 提醒由设备侧送达，不走这里
type Dispatcher struct {
	source      StateChangeSource
	reminders   ReminderSource
	broadcaster *Broadcaster
	logger      *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher 创建推送分发器
func NewDispatcher(source StateChangeSource, reminders ReminderSource, broadcaster *Broadcaster, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:      source,
		reminders:   reminders,
		broadcaster: broadcaster,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start 启动分发循环
func (d *Dispatcher) Start(ctx context.Context) {
	ch, unsubscribe := d.source.Subscribe()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.handle(ctx, ev)
			}
		}
	}()

	d.logger.Info("Push dispatcher started")
}

// Stop 停止分发循环
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("Push dispatcher stopped")
}

func (d *Dispatcher) handle(ctx context.Context, ev models.StateChange) {
	if ev.Status != models.StatusFired {
		return
	}

	r, err := d.reminders.GetReminder(ctx, ev.OwnerID, ev.ReminderID)
	if err != nil {
		d.logger.Error("Failed to load reminder for push dispatch",
			zap.String("reminder_id", ev.ReminderID),
			zap.Error(err),
		)
		return
	}
	if r.Kind != models.KindGlobal {
		return
	}

	if _, err := d.broadcaster.BroadcastAll(ctx, Notification{
		ReminderID: r.ReminderID,
		Title:      r.Title,
		Body:       r.Body,
		Kind:       r.Kind,
	}); err != nil {
		d.logger.Error("Failed to broadcast global reminder",
			zap.String("reminder_id", r.ReminderID),
			zap.Error(err),
		)
	}
}
