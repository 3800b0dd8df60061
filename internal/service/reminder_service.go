package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lifetrack-reminder/internal/config"
	"lifetrack-reminder/internal/consumer"
	"lifetrack-reminder/internal/database"
	"lifetrack-reminder/internal/lifecycle"
	"lifetrack-reminder/internal/mqttx"
	"lifetrack-reminder/internal/push"
	"lifetrack-reminder/internal/reconcile"
	"lifetrack-reminder/internal/redisx"
	"lifetrack-reminder/internal/repository"
	"lifetrack-reminder/internal/scheduler"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReminderService 提醒服务（整合各层）
type ReminderService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttx.Client
	logger      *zap.Logger

	// 各层组件
	remindersRepo     repository.RemindersRepository
	occurrencesRepo   repository.OccurrencesRepository
	devicesRepo       repository.DevicesRepository
	subscriptionsRepo repository.SubscriptionsRepository

	manager        *lifecycle.Manager
	reconciler     *reconcile.Reconciler
	bridge         *consumer.EventBridge
	eventConsumer  *consumer.DeliveryConsumer
	broadcaster    *push.Broadcaster
	pushDispatcher *push.Dispatcher
}

// NewReminderService 创建提醒服务
func NewReminderService(cfg *config.Config, logger *zap.Logger) (*ReminderService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqttx.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	// 4. 创建 Repository 层
	remindersRepo := repository.NewPostgresRemindersRepository(db, logger)
	occurrencesRepo := repository.NewPostgresOccurrencesRepository(db, logger)
	devicesRepo := repository.NewPostgresDevicesRepository(db, logger)
	subscriptionsRepo := repository.NewPostgresSubscriptionsRepository(db, logger)

	// 5. 创建调度适配层
	deviceScheduler := scheduler.NewMQTTScheduler(mqttClient, &cfg.MQTT, logger)
	gatewayClient := scheduler.NewGatewayClient(&cfg.Gateway, logger)

	// 6. 创建生命周期管理器
	events := lifecycle.NewEventPublisher(redisClient, cfg.Reminder.StateEventStream, logger)
	manager := lifecycle.NewManager(
		remindersRepo,
		occurrencesRepo,
		devicesRepo,
		deviceScheduler,
		gatewayClient,
		events,
		logger,
	)

	// 7. 创建对账器
	reconciler := reconcile.NewReconciler(
		remindersRepo,
		devicesRepo,
		manager,
		time.Duration(cfg.Reminder.ReconcileIntervalSec)*time.Second,
		cfg.Reminder.RepairFlagThreshold,
		logger,
	)

	// 8. 创建设备事件链路（MQTT → Redis Streams → 状态机）
	bridge := consumer.NewEventBridge(
		mqttClient,
		redisClient,
		cfg.MQTT.EventTopic,
		cfg.Reminder.DeviceEventStream,
		logger,
	)
	eventConsumer := consumer.NewDeliveryConsumer(
		redisClient,
		cfg.Reminder.DeviceEventStream,
		cfg.Reminder.ConsumerGroup,
		cfg.Reminder.ConsumerName,
		int(cfg.Reminder.EventBatchSize),
		manager,
		reconciler,
		devicesRepo,
		logger,
	)

	// 9. 创建 Global 广播链路
	broadcaster := push.NewBroadcaster(subscriptionsRepo, &cfg.Push, logger)
	pushDispatcher := push.NewDispatcher(events, remindersRepo, broadcaster, logger)

	return &ReminderService{
		config:            cfg,
		db:                db,
		redisClient:       redisClient,
		mqttClient:        mqttClient,
		logger:            logger,
		remindersRepo:     remindersRepo,
		occurrencesRepo:   occurrencesRepo,
		devicesRepo:       devicesRepo,
		subscriptionsRepo: subscriptionsRepo,
		manager:           manager,
		reconciler:        reconciler,
		bridge:            bridge,
		eventConsumer:     eventConsumer,
		broadcaster:       broadcaster,
		pushDispatcher:    pushDispatcher,
	}, nil
}

// Start 启动服务
func (s *ReminderService) Start(ctx context.Context) error {
	s.logger.Info("Starting reminder service")

	// 先消费再桥接，避免事件进流无人读
	if err := s.eventConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery consumer: %w", err)
	}
	if err := s.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start event bridge: %w", err)
	}

	s.pushDispatcher.Start(ctx)

	// 对账器最后启动：启动对账会触发设备侧修复
	s.reconciler.Start(ctx)

	return nil
}

// Stop 停止服务
func (s *ReminderService) Stop() error {
	s.logger.Info("Stopping reminder service")

	s.bridge.Stop()
	s.reconciler.Stop()
	s.eventConsumer.Stop()
	s.pushDispatcher.Stop()

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Reminder service stopped")
	return nil
}

// Manager 生命周期管理器（HTTP 层入口）
func (s *ReminderService) Manager() *lifecycle.Manager {
	return s.manager
}

// Subscriptions 订阅Repository（HTTP 层注册 Web Push 订阅用）
func (s *ReminderService) Subscriptions() repository.SubscriptionsRepository {
	return s.subscriptionsRepo
}

// Devices 设备Repository（HTTP 层设备注册用）
func (s *ReminderService) Devices() repository.DevicesRepository {
	return s.devicesRepo
}
