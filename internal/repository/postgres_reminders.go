package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lifetrack-reminder/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresRemindersRepository 提醒Repository实现
type PostgresRemindersRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRemindersRepository 创建提醒Repository
func NewPostgresRemindersRepository(db *sql.DB, logger *zap.Logger) *PostgresRemindersRepository {
	return &PostgresRemindersRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ RemindersRepository = (*PostgresRemindersRepository)(nil)

const reminderColumns = `
	reminder_id::text,
	owner_id::text,
	device_id::text,
	title,
	body,
	kind,
	pattern_type,
	trigger_at,
	at_hour,
	at_minute,
	weekdays,
	mode,
	status,
	notification_handles,
	next_trigger_at,
	delivered,
	completed_at,
	repair_attempts,
	created_at,
	updated_at`

// 活跃条件：未取消，且（重复提醒 或 未完成的一次性提醒）
const activeCondition = `
	status NOT IN ('canceled', 'completed')
	AND (pattern_type <> 'one_time' OR completed_at IS NULL)`

// CreateReminder 创建提醒记录
func (r *PostgresRemindersRepository) CreateReminder(ctx context.Context, m *models.Reminder) error {
	query := `
		INSERT INTO reminders (
			reminder_id, owner_id, device_id, title, body,
			kind, pattern_type, trigger_at, at_hour, at_minute, weekdays,
			mode, status, notification_handles, next_trigger_at,
			delivered, completed_at, repair_attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, NOW(), NOW()
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		m.ReminderID, m.OwnerID, m.DeviceID, m.Title, m.Body,
		m.Kind, m.PatternType, m.TriggerAt, m.AtHour, m.AtMinute, pq.Array(m.Weekdays),
		m.Mode, m.Status, pq.Array(m.NotificationHandles), m.NextTriggerAt,
		m.Delivered, m.CompletedAt, m.RepairAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}

	return nil
}

// GetReminder 获取单条提醒
func (r *PostgresRemindersRepository) GetReminder(ctx context.Context, ownerID, reminderID string) (*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE reminder_id = $1 AND owner_id = $2
	`

	row := r.db.QueryRowContext(ctx, query, reminderID, ownerID)
	m, err := scanReminder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reminder not found: %s", reminderID)
		}
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}

	return m, nil
}

// ListActiveReminders 列出某用户所有活跃的提醒
func (r *PostgresRemindersRepository) ListActiveReminders(ctx context.Context, ownerID string) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE owner_id = $1 AND ` + activeCondition + `
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// ListAllActive 列出全部活跃提醒（对账遍历用）
func (r *PostgresRemindersRepository) ListAllActive(ctx context.Context) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE ` + activeCondition + `
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list all active reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// ListUpcoming 按下一次触发时刻排序列出某用户的提醒
// 未注册（next_trigger_at 为空）的排在最后，保证"待调度"的提醒不会消失
func (r *PostgresRemindersRepository) ListUpcoming(ctx context.Context, ownerID string, limit int) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE owner_id = $1 AND ` + activeCondition + `
		ORDER BY next_trigger_at ASC NULLS LAST, created_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// UpdateContent 更新内容字段（标题/正文/模式/重复规则）
func (r *PostgresRemindersRepository) UpdateContent(ctx context.Context, m *models.Reminder) error {
	query := `
		UPDATE reminders SET
			title = $2,
			body = $3,
			pattern_type = $4,
			trigger_at = $5,
			at_hour = $6,
			at_minute = $7,
			weekdays = $8,
			mode = $9,
			updated_at = NOW()
		WHERE reminder_id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		m.ReminderID, m.Title, m.Body,
		m.PatternType, m.TriggerAt, m.AtHour, m.AtMinute, pq.Array(m.Weekdays),
		m.Mode,
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder content: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("reminder not found: %s", m.ReminderID)
	}

	return nil
}

// UpdateHandles 原子替换句柄列表与对应的下一次触发时刻
func (r *PostgresRemindersRepository) UpdateHandles(ctx context.Context, reminderID string, handles []string, nextTriggerAt *time.Time) error {
	if handles == nil {
		handles = []string{}
	}

	query := `
		UPDATE reminders SET
			notification_handles = $2,
			next_trigger_at = $3,
			updated_at = NOW()
		WHERE reminder_id = $1
	`

	res, err := r.db.ExecContext(ctx, query, reminderID, pq.Array(handles), nextTriggerAt)
	if err != nil {
		return fmt.Errorf("failed to update handles: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("reminder not found: %s", reminderID)
	}

	return nil
}

// SetStatus 更新生命周期状态
func (r *PostgresRemindersRepository) SetStatus(ctx context.Context, reminderID, status string) error {
	query := `UPDATE reminders SET status = $2, updated_at = NOW() WHERE reminder_id = $1`

	res, err := r.db.ExecContext(ctx, query, reminderID, status)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("reminder not found: %s", reminderID)
	}

	return nil
}

// MarkDelivered 标记已送达（单调：只允许 false→true）
func (r *PostgresRemindersRepository) MarkDelivered(ctx context.Context, reminderID string) (bool, error) {
	query := `
		UPDATE reminders SET delivered = TRUE, updated_at = NOW()
		WHERE reminder_id = $1 AND delivered = FALSE
	`

	res, err := r.db.ExecContext(ctx, query, reminderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

// CompleteReminder 幂等完成：守护更新，二次调用不执行写入
func (r *PostgresRemindersRepository) CompleteReminder(ctx context.Context, reminderID string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE reminders SET
			completed_at = $2,
			status = 'completed',
			updated_at = NOW()
		WHERE reminder_id = $1 AND completed_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, reminderID, completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to complete reminder: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

// SetRepairAttempts 记录对账修复失败计数
func (r *PostgresRemindersRepository) SetRepairAttempts(ctx context.Context, reminderID string, attempts int) error {
	query := `UPDATE reminders SET repair_attempts = $2, updated_at = NOW() WHERE reminder_id = $1`

	if _, err := r.db.ExecContext(ctx, query, reminderID, attempts); err != nil {
		return fmt.Errorf("failed to set repair attempts: %w", err)
	}

	return nil
}

// DeleteReminder 删除提醒（关联 occurrences 由外键级联删除）
func (r *PostgresRemindersRepository) DeleteReminder(ctx context.Context, ownerID, reminderID string) error {
	query := `DELETE FROM reminders WHERE reminder_id = $1 AND owner_id = $2`

	res, err := r.db.ExecContext(ctx, query, reminderID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("reminder not found: %s", reminderID)
	}

	return nil
}

// rowScanner QueryRow / Rows 共用的扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var m models.Reminder
	var weekdays pq.Int64Array
	var handles pq.StringArray

	err := row.Scan(
		&m.ReminderID,
		&m.OwnerID,
		&m.DeviceID,
		&m.Title,
		&m.Body,
		&m.Kind,
		&m.PatternType,
		&m.TriggerAt,
		&m.AtHour,
		&m.AtMinute,
		&weekdays,
		&m.Mode,
		&m.Status,
		&handles,
		&m.NextTriggerAt,
		&m.Delivered,
		&m.CompletedAt,
		&m.RepairAttempts,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, d := range weekdays {
		m.Weekdays = append(m.Weekdays, int(d))
	}
	m.NotificationHandles = []string(handles)

	return &m, nil
}

func collectReminders(rows *sql.Rows) ([]*models.Reminder, error) {
	var out []*models.Reminder
	for rows.Next() {
		m, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reminders: %w", err)
	}

	return out, nil
}
