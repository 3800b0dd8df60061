package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（设备指令/事件通道）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// 设备指令主题前缀，完整主题形如 "lifetrack/device/<device_id>/cmd"
	CommandTopicPrefix string
	// 设备事件订阅主题（通配符），如 "lifetrack/device/+/events"
	EventTopic string
}

// GatewayConfig 设备网关 REST API 配置（精确闹钟权限查询）
type GatewayConfig struct {
	BaseURL    string
	Token      string
	TimeoutSec int
}

// PushConfig Web Push 配置（Global 广播提醒）
type PushConfig struct {
	VapidPublicKey  string
	VapidPrivateKey string
	Subscriber      string
	TTL             int
}

// Config 提醒服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Gateway  GatewayConfig
	Push     PushConfig

	HTTP struct {
		Addr string
	}

	// 提醒引擎特定配置
	Reminder struct {
		// 设备事件流配置（Redis Streams）
		DeviceEventStream string // 设备回调事件流
		ConsumerGroup     string // 消费者组名
		ConsumerName      string // 消费者名（默认为主机名）
		StateEventStream  string // 状态变更事件流（供 UI 订阅）

		// 对账配置
		ReconcileIntervalSec int // 对账轮询间隔（秒），默认 300
		RepairFlagThreshold  int // 连续修复失败次数阈值，超过则标记待人工处理，默认 2

		// 事件消费批量大小
		EventBatchSize int64
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() *Config {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "lifetrack")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "lifetrack-reminder")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.CommandTopicPrefix = getEnv("MQTT_COMMAND_TOPIC_PREFIX", "lifetrack/device")
	cfg.MQTT.EventTopic = getEnv("MQTT_EVENT_TOPIC", "lifetrack/device/+/events")

	cfg.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", "http://localhost:8090")
	cfg.Gateway.Token = getEnv("GATEWAY_TOKEN", "")
	cfg.Gateway.TimeoutSec = getEnvInt("GATEWAY_TIMEOUT_SEC", 5)

	cfg.Push.VapidPublicKey = getEnv("VAPID_PUBLIC_KEY", "")
	cfg.Push.VapidPrivateKey = getEnv("VAPID_PRIVATE_KEY", "")
	cfg.Push.Subscriber = getEnv("PUSH_SUBSCRIBER", "reminders@lifetrack.local")
	cfg.Push.TTL = getEnvInt("PUSH_TTL", 30)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")

	cfg.Reminder.DeviceEventStream = getEnv("REMINDER_DEVICE_EVENT_STREAM", "reminder:device-events")
	cfg.Reminder.ConsumerGroup = getEnv("REMINDER_CONSUMER_GROUP", "reminder-engine")
	cfg.Reminder.ConsumerName = getEnv("REMINDER_CONSUMER_NAME", defaultConsumerName())
	cfg.Reminder.StateEventStream = getEnv("REMINDER_STATE_EVENT_STREAM", "reminder:events")
	cfg.Reminder.ReconcileIntervalSec = getEnvInt("REMINDER_RECONCILE_INTERVAL_SEC", 300)
	cfg.Reminder.RepairFlagThreshold = getEnvInt("REMINDER_REPAIR_FLAG_THRESHOLD", 2)
	cfg.Reminder.EventBatchSize = int64(getEnvInt("REMINDER_EVENT_BATCH_SIZE", 16))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "reminder-consumer"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
