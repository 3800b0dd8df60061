package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lifetrack-reminder/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresOccurrencesRepository 提醒触发记录Repository实现
type PostgresOccurrencesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresOccurrencesRepository 创建触发记录Repository
func NewPostgresOccurrencesRepository(db *sql.DB, logger *zap.Logger) *PostgresOccurrencesRepository {
	return &PostgresOccurrencesRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ OccurrencesRepository = (*PostgresOccurrencesRepository)(nil)

// UpsertOccurrence 守护的唯一插入
// 依赖 (reminder_id, scheduled_at) 唯一约束吸收操作系统的重复触发：
// 冲突时不写入，改为读回现有记录，created=false
func (r *PostgresOccurrencesRepository) UpsertOccurrence(ctx context.Context, reminderID string, scheduledAt time.Time) (*models.ReminderOccurrence, bool, error) {
	insert := `
		INSERT INTO reminder_occurrences (occurrence_id, reminder_id, scheduled_at, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (reminder_id, scheduled_at) DO NOTHING
		RETURNING occurrence_id::text, reminder_id::text, scheduled_at, completed_at, created_at
	`

	var occ models.ReminderOccurrence
	err := r.db.QueryRowContext(ctx, insert, uuid.New().String(), reminderID, scheduledAt).Scan(
		&occ.OccurrenceID,
		&occ.ReminderID,
		&occ.ScheduledAt,
		&occ.CompletedAt,
		&occ.CreatedAt,
	)
	if err == nil {
		return &occ, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to upsert occurrence: %w", err)
	}

	// 冲突：读回现有记录
	query := `
		SELECT occurrence_id::text, reminder_id::text, scheduled_at, completed_at, created_at
		FROM reminder_occurrences
		WHERE reminder_id = $1 AND scheduled_at = $2
	`
	err = r.db.QueryRowContext(ctx, query, reminderID, scheduledAt).Scan(
		&occ.OccurrenceID,
		&occ.ReminderID,
		&occ.ScheduledAt,
		&occ.CompletedAt,
		&occ.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing occurrence: %w", err)
	}

	return &occ, false, nil
}

// GetOccurrence 获取单条触发记录
func (r *PostgresOccurrencesRepository) GetOccurrence(ctx context.Context, occurrenceID string) (*models.ReminderOccurrence, error) {
	query := `
		SELECT occurrence_id::text, reminder_id::text, scheduled_at, completed_at, created_at
		FROM reminder_occurrences
		WHERE occurrence_id = $1
	`

	var occ models.ReminderOccurrence
	err := r.db.QueryRowContext(ctx, query, occurrenceID).Scan(
		&occ.OccurrenceID,
		&occ.ReminderID,
		&occ.ScheduledAt,
		&occ.CompletedAt,
		&occ.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("occurrence not found: %s", occurrenceID)
		}
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}

	return &occ, nil
}

// CompleteOccurrence 幂等完成（WHERE completed_at IS NULL）
func (r *PostgresOccurrencesRepository) CompleteOccurrence(ctx context.Context, occurrenceID string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE reminder_occurrences SET completed_at = $2
		WHERE occurrence_id = $1 AND completed_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, occurrenceID, completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to complete occurrence: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

// ListOpenOccurrences 列出某提醒尚未完成的触发记录
func (r *PostgresOccurrencesRepository) ListOpenOccurrences(ctx context.Context, reminderID string) ([]*models.ReminderOccurrence, error) {
	query := `
		SELECT occurrence_id::text, reminder_id::text, scheduled_at, completed_at, created_at
		FROM reminder_occurrences
		WHERE reminder_id = $1 AND completed_at IS NULL
		ORDER BY scheduled_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, reminderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open occurrences: %w", err)
	}
	defer rows.Close()

	var out []*models.ReminderOccurrence
	for rows.Next() {
		var occ models.ReminderOccurrence
		if err := rows.Scan(
			&occ.OccurrenceID,
			&occ.ReminderID,
			&occ.ScheduledAt,
			&occ.CompletedAt,
			&occ.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		out = append(out, &occ)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate occurrences: %w", err)
	}

	return out, nil
}
