package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lifetrack-reminder/internal/models"

	"go.uber.org/zap"
)

// PostgresDevicesRepository 设备Repository实现
type PostgresDevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepository 创建设备Repository
func NewPostgresDevicesRepository(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepository {
	return &PostgresDevicesRepository{db: db, logger: logger}
}

var _ DevicesRepository = (*PostgresDevicesRepository)(nil)

// GetDevice 获取设备信息
func (r *PostgresDevicesRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id::text, owner_id::text, timezone, exact_alarm_granted, last_seen_at, created_at
		FROM devices
		WHERE device_id = $1
	`

	var d models.Device
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID,
		&d.OwnerID,
		&d.Timezone,
		&d.ExactAlarmGranted,
		&d.LastSeenAt,
		&d.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &d, nil
}

// UpsertDevice 注册/更新设备
func (r *PostgresDevicesRepository) UpsertDevice(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (device_id, owner_id, timezone, exact_alarm_granted, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			timezone = EXCLUDED.timezone,
			exact_alarm_granted = EXCLUDED.exact_alarm_granted,
			last_seen_at = NOW()
	`

	if _, err := r.db.ExecContext(ctx, query, d.DeviceID, d.OwnerID, d.Timezone, d.ExactAlarmGranted); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// SetTimezone 时区变更信号落库
func (r *PostgresDevicesRepository) SetTimezone(ctx context.Context, deviceID, timezone string) error {
	query := `UPDATE devices SET timezone = $2, last_seen_at = NOW() WHERE device_id = $1`

	if _, err := r.db.ExecContext(ctx, query, deviceID, timezone); err != nil {
		return fmt.Errorf("failed to set timezone: %w", err)
	}

	return nil
}

// SetExactAlarmGranted 精确闹钟权限变更落库
func (r *PostgresDevicesRepository) SetExactAlarmGranted(ctx context.Context, deviceID string, granted bool) error {
	query := `UPDATE devices SET exact_alarm_granted = $2, last_seen_at = NOW() WHERE device_id = $1`

	if _, err := r.db.ExecContext(ctx, query, deviceID, granted); err != nil {
		return fmt.Errorf("failed to set exact alarm granted: %w", err)
	}

	return nil
}

// TouchLastSeen 更新设备最后活跃时间
func (r *PostgresDevicesRepository) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	query := `UPDATE devices SET last_seen_at = $2 WHERE device_id = $1`

	if _, err := r.db.ExecContext(ctx, query, deviceID, at); err != nil {
		return fmt.Errorf("failed to touch last seen: %w", err)
	}

	return nil
}
