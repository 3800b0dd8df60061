package repository

import (
	"context"
	"database/sql"
	"fmt"

	"lifetrack-reminder/internal/models"

	"go.uber.org/zap"
)

// PostgresSubscriptionsRepository Web Push 订阅Repository实现
type PostgresSubscriptionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSubscriptionsRepository 创建订阅Repository
func NewPostgresSubscriptionsRepository(db *sql.DB, logger *zap.Logger) *PostgresSubscriptionsRepository {
	return &PostgresSubscriptionsRepository{db: db, logger: logger}
}

var _ SubscriptionsRepository = (*PostgresSubscriptionsRepository)(nil)

// SaveSubscription 保存订阅（同一端点重复注册则更新密钥）
func (r *PostgresSubscriptionsRepository) SaveSubscription(ctx context.Context, s *models.PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (subscription_id, owner_id, endpoint, p256dh, auth, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth
	`

	if _, err := r.db.ExecContext(ctx, query, s.SubscriptionID, s.OwnerID, s.Endpoint, s.P256dh, s.Auth); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}

// ListSubscriptions 列出某用户的订阅
func (r *PostgresSubscriptionsRepository) ListSubscriptions(ctx context.Context, ownerID string) ([]*models.PushSubscription, error) {
	query := `
		SELECT subscription_id::text, owner_id::text, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		WHERE owner_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListAllSubscriptions 列出全部订阅（Global 广播用）
func (r *PostgresSubscriptionsRepository) ListAllSubscriptions(ctx context.Context) ([]*models.PushSubscription, error) {
	query := `
		SELECT subscription_id::text, owner_id::text, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list all subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// DeleteByEndpoint 推送端点失效（410/404）时清理
func (r *PostgresSubscriptionsRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	query := `DELETE FROM push_subscriptions WHERE endpoint = $1`

	if _, err := r.db.ExecContext(ctx, query, endpoint); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

func collectSubscriptions(rows *sql.Rows) ([]*models.PushSubscription, error) {
	var out []*models.PushSubscription
	for rows.Next() {
		var s models.PushSubscription
		if err := rows.Scan(&s.SubscriptionID, &s.OwnerID, &s.Endpoint, &s.P256dh, &s.Auth, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}

	return out, nil
}
