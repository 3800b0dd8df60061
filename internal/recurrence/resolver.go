package recurrence

import (
	"fmt"
	"sort"
	"time"

	"lifetrack-reminder/internal/models"
)

// Pattern 提醒的重复模式（从 Reminder 记录派生的纯值类型）
type Pattern struct {
	Type     string         // models.PatternOneTime / PatternDaily / PatternWeekly
	At       time.Time      // one_time：绝对触发时刻
	Hour     int            // daily/weekly：当地时间小时（0-23）
	Minute   int            // daily/weekly：当地时间分钟（0-59）
	Weekdays []time.Weekday // weekly：非空的工作日集合
}

// FromReminder 从 Reminder 记录构建 Pattern
func FromReminder(r *models.Reminder) (Pattern, error) {
	p := Pattern{Type: r.PatternType}

	switch r.PatternType {
	case models.PatternOneTime:
		if r.TriggerAt == nil {
			return Pattern{}, fmt.Errorf("one_time reminder %s has no trigger_at", r.ReminderID)
		}
		p.At = *r.TriggerAt
	case models.PatternDaily, models.PatternWeekly:
		if r.AtHour == nil || r.AtMinute == nil {
			return Pattern{}, fmt.Errorf("recurring reminder %s has no at_hour/at_minute", r.ReminderID)
		}
		p.Hour = *r.AtHour
		p.Minute = *r.AtMinute
		for _, d := range r.Weekdays {
			p.Weekdays = append(p.Weekdays, time.Weekday(d))
		}
	default:
		return Pattern{}, fmt.Errorf("unknown pattern type: %s", r.PatternType)
	}

	if err := p.Validate(); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// Validate 校验模式合法性
// 空的工作日集合属于构造错误，在入口处拒绝，而非运行期错误
func (p Pattern) Validate() error {
	switch p.Type {
	case models.PatternOneTime:
		if p.At.IsZero() {
			return fmt.Errorf("one_time pattern requires a trigger instant")
		}
	case models.PatternDaily, models.PatternWeekly:
		if p.Hour < 0 || p.Hour > 23 {
			return fmt.Errorf("invalid hour: %d", p.Hour)
		}
		if p.Minute < 0 || p.Minute > 59 {
			return fmt.Errorf("invalid minute: %d", p.Minute)
		}
		if p.Type == models.PatternWeekly {
			if len(p.Weekdays) == 0 {
				return fmt.Errorf("weekly pattern requires at least one weekday")
			}
			for _, d := range p.Weekdays {
				if d < time.Sunday || d > time.Saturday {
					return fmt.Errorf("invalid weekday: %d", d)
				}
			}
		}
	default:
		return fmt.Errorf("unknown pattern type: %s", p.Type)
	}
	return nil
}

// NextTrigger 计算 after 之后的下一个触发时刻
// 纯函数：不读时钟，不做 I/O；时区规则由调用方通过 loc 提供。
// 设备时区变更后总是以新的本地时间重新计算（不保留原来的绝对时刻）。
// 返回 ok=false 表示不再有触发（one_time 已过期）。
func NextTrigger(p Pattern, after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch p.Type {
	case models.PatternOneTime:
		// 已过期：由调用方决定立即触发还是丢弃
		if !p.At.After(after) {
			return time.Time{}, false
		}
		return p.At, true

	case models.PatternDaily:
		local := after.In(loc)
		candidate := time.Date(local.Year(), local.Month(), local.Day(), p.Hour, p.Minute, 0, 0, loc)
		// 今天的时段已过，滚动到明天
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, true

	case models.PatternWeekly:
		local := after.In(loc)
		var earliest time.Time
		// 今天起 8 天内必然覆盖所有选中的工作日（含本周与下周的回绕）
		for offset := 0; offset <= 7; offset++ {
			day := local.AddDate(0, 0, offset)
			if !weekdaySelected(p.Weekdays, day.Weekday()) {
				continue
			}
			candidate := time.Date(day.Year(), day.Month(), day.Day(), p.Hour, p.Minute, 0, 0, loc)
			if !candidate.After(after) {
				continue
			}
			if earliest.IsZero() || candidate.Before(earliest) {
				earliest = candidate
			}
		}
		if earliest.IsZero() {
			// Validate 保证工作日集合非空，8 天窗口必有候选
			return time.Time{}, false
		}
		return earliest, true
	}

	return time.Time{}, false
}

// SortedWeekdays 返回排序后的工作日副本（展示/测试用）
func (p Pattern) SortedWeekdays() []time.Weekday {
	out := make([]time.Weekday, len(p.Weekdays))
	copy(out, p.Weekdays)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func weekdaySelected(set []time.Weekday, d time.Weekday) bool {
	for _, w := range set {
		if w == d {
			return true
		}
	}
	return false
}
