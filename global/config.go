package global

import (
	"os"
	"strconv"
	"time"

	"TratoChat/tools/ids"

	"github.com/golang/glog"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MongoConfig struct {
	Uri         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
}

// PostgresConfig switches the message store to the relational backend
// when a DSN is configured.
type PostgresConfig struct {
	Dsn     string
	Enabled bool
}

type KafkaConfig struct {
	Brokers   []string
	MailTopic string
}

type NatsConfig struct {
	Servers []string
	Enabled bool
}

type GatewayConfig struct {
	Addr       string
	JwtSecret  string
	SendBurst  int     // per-connection token bucket burst
	SendPerSec float64 // per-connection sustained frames/sec
}

// EngineConfig carries the conversation-engine tunables. Zero values are
// normalized to the defaults below.
type EngineConfig struct {
	RecentLimit       int           // messages reloaded on room start (50)
	InactivityTimeout time.Duration // room self-termination (30m)
	InactivityTick    time.Duration // room timeout check period (5m)
	MailboxSize       int           // room mailbox depth

	RateWindow     time.Duration // sliding window (60s)
	RateSweepEvery time.Duration // limiter sweep (5m)

	StatusSweepEvery  time.Duration // status table sweep (10m)
	StatusRetention   time.Duration // status records (7d)
	PresenceRetention time.Duration // heartbeat records (1d)
	ViewingWindow     time.Duration // heartbeat freshness = "actively viewing" (30s)

	DesktopDebounce time.Duration // desktop push debounce (5s)
	ReadSoundWindow time.Duration // read-sound suppression (5s)
	EmailFlushEvery time.Duration // e-mail digest interval (5m)
}

func (c *EngineConfig) Norm() {
	if c.RecentLimit <= 0 {
		c.RecentLimit = 50
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Minute
	}
	if c.InactivityTick <= 0 {
		c.InactivityTick = 5 * time.Minute
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 60 * time.Second
	}
	if c.RateSweepEvery <= 0 {
		c.RateSweepEvery = 5 * time.Minute
	}
	if c.StatusSweepEvery <= 0 {
		c.StatusSweepEvery = 10 * time.Minute
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = 7 * 24 * time.Hour
	}
	if c.PresenceRetention <= 0 {
		c.PresenceRetention = 24 * time.Hour
	}
	if c.ViewingWindow <= 0 {
		c.ViewingWindow = 30 * time.Second
	}
	if c.DesktopDebounce <= 0 {
		c.DesktopDebounce = 5 * time.Second
	}
	if c.ReadSoundWindow <= 0 {
		c.ReadSoundWindow = 5 * time.Second
	}
	if c.EmailFlushEvery <= 0 {
		c.EmailFlushEvery = 5 * time.Minute
	}
}

type AppConfig struct {
	Redis    RedisConfig
	Mongo    MongoConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Nats     NatsConfig
	Gateway  GatewayConfig
	Engine   EngineConfig
}

var Conf AppConfig

// ConfigAll loads defaults, applies env overrides and prepares shared state.
func ConfigAll() {
	Conf = AppConfig{
		Redis: RedisConfig{
			Addr:     envStr("TRATO_REDIS_ADDR", "127.0.0.1:6379"),
			Password: envStr("TRATO_REDIS_PASSWORD", ""),
			DB:       envInt("TRATO_REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			Uri:         envStr("TRATO_MONGO_URI", "mongodb://localhost:27017"),
			Database:    envStr("TRATO_MONGO_DB", "tratochat"),
			Username:    envStr("TRATO_MONGO_USER", ""),
			Password:    envStr("TRATO_MONGO_PASSWORD", ""),
			MaxPoolSize: 20,
		},
		Postgres: PostgresConfig{
			Dsn:     envStr("TRATO_POSTGRES_DSN", ""),
			Enabled: os.Getenv("TRATO_POSTGRES_DSN") != "",
		},
		Kafka: KafkaConfig{
			Brokers:   []string{envStr("TRATO_KAFKA_BROKER", "localhost:9092")},
			MailTopic: envStr("TRATO_KAFKA_MAIL_TOPIC", "trato.mail.digest"),
		},
		Nats: NatsConfig{
			Servers: []string{envStr("TRATO_NATS_URL", "nats://127.0.0.1:4222")},
			Enabled: os.Getenv("TRATO_NATS_ENABLED") != "",
		},
		Gateway: GatewayConfig{
			Addr:       envStr("TRATO_GATEWAY_ADDR", ":8090"),
			JwtSecret:  envStr("TRATO_JWT_SECRET", "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
			SendBurst:  20,
			SendPerSec: 10,
		},
	}
	Conf.Engine.Norm()

	ConfigIds()
	glog.Infof("[config] gateway=%s mongo=%s redis=%s", Conf.Gateway.Addr, Conf.Mongo.Uri, Conf.Redis.Addr)
}

func ConfigIds() {
	ids.SetNodeID(int64(envInt("TRATO_NODE_ID", 100)))
}

func GetJwtSecret() []byte {
	return []byte(Conf.Gateway.JwtSecret)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
