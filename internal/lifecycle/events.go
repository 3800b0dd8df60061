package lifecycle

import (
	"context"
	"sync"

	"lifetrack-reminder/internal/models"
	"lifetrack-reminder/internal/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EventPublisher 状态变更事件发布器
// 每次生命周期转移写入 Redis Streams（跨进程订阅），同时扇出给本进程的
// SSE 订阅者；本地订阅者消费慢时丢弃事件，不阻塞状态机
type EventPublisher struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger

	mu          sync.Mutex
	subscribers map[int]chan models.StateChange
	nextSubID   int
}

// NewEventPublisher 创建状态事件发布器
// redisClient 可为 nil（测试场景），此时只做本地扇出
func NewEventPublisher(redisClient *redis.Client, stream string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
		subscribers: make(map[int]chan models.StateChange),
	}
}

// Publish 发布一次状态变更
func (p *EventPublisher) Publish(ctx context.Context, ev models.StateChange) {
	if p.redisClient != nil {
		if _, err := redisx.PublishJSONToStream(ctx, p.redisClient, p.stream, ev); err != nil {
			// 事件流是通知性质的，失败记日志不回滚状态机
			p.logger.Error("Failed to publish state change",
				zap.String("reminder_id", ev.ReminderID),
				zap.Error(err),
			)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
			// 订阅者积压，丢弃
		}
	}
}

// Subscribe 订阅状态变更（SSE 等实时 UI 用），返回取消函数
func (p *EventPublisher) Subscribe() (<-chan models.StateChange, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	ch := make(chan models.StateChange, 16)
	p.subscribers[id] = ch

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, exists := p.subscribers[id]; exists {
			delete(p.subscribers, id)
			close(ch)
		}
	}

	return ch, unsubscribe
}
