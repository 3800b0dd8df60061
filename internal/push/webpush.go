package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"lifetrack-reminder/internal/config"
	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/repository"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

// sendFunc Web Push 发送函数（测试注入点）
type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notification 推送给订阅端的消息体
type Notification struct {
	ReminderID string `json:"reminder_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Kind       string `json:"kind"`
}

// Broadcaster Web Push 广播器（Global 提醒的送达通道）
// 端点失效（404/410）即清理订阅；单个端点失败不影响其余扇出
type Broadcaster struct {
	subscriptions repository.SubscriptionsRepository
	vapidPublic   string
	vapidPrivate  string
	subscriber    string
	ttl           int
	logger        *zap.Logger

	send sendFunc
}

// NewBroadcaster 创建广播器
func NewBroadcaster(subscriptions repository.SubscriptionsRepository, cfg *config.PushConfig, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subscriptions: subscriptions,
		vapidPublic:   cfg.VapidPublicKey,
		vapidPrivate:  cfg.VapidPrivateKey,
		subscriber:    cfg.Subscriber,
		ttl:           cfg.TTL,
		logger:        logger,
		send:          webpush.SendNotification,
	}
}

// BroadcastAll 推送给全部订阅（Global 提醒）
func (b *Broadcaster) BroadcastAll(ctx context.Context, n Notification) (int, error) {
	subs, err := b.subscriptions.ListAllSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	return b.fanOut(ctx, subs, n)
}

// BroadcastOwner 推送给某用户的全部订阅端点
func (b *Broadcaster) BroadcastOwner(ctx context.Context, ownerID string, n Notification) (int, error) {
	subs, err := b.subscriptions.ListSubscriptions(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list push subscriptions for owner: %w", err)
	}
	return b.fanOut(ctx, subs, n)
}

func (b *Broadcaster) fanOut(ctx context.Context, subs []*models.PushSubscription, n Notification) (int, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal push notification: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if err := b.sendOne(ctx, sub, payload); err != nil {
			b.logger.Warn("Failed to push to endpoint",
				zap.String("owner_id", sub.OwnerID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	b.logger.Info("Push broadcast finished",
		zap.String("reminder_id", n.ReminderID),
		zap.Int("subscriptions", len(subs)),
		zap.Int("sent", sent),
	)
	return sent, nil
}

func (b *Broadcaster) sendOne(ctx context.Context, sub *models.PushSubscription, payload []byte) error {
	resp, err := b.send(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      b.subscriber,
		VAPIDPublicKey:  b.vapidPublic,
		VAPIDPrivateKey: b.vapidPrivate,
		TTL:             b.ttl,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// 端点已失效，清理订阅
		if derr := b.subscriptions.DeleteByEndpoint(ctx, sub.Endpoint); derr != nil {
			b.logger.Error("Failed to prune dead push endpoint",
				zap.String("owner_id", sub.OwnerID),
				zap.Error(derr),
			)
		} else {
			b.logger.Info("Pruned dead push endpoint",
				zap.String("owner_id", sub.OwnerID),
				zap.Int("status", resp.StatusCode),
			)
		}
		return fmt.Errorf("push endpoint gone: %d", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}
