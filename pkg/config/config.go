// Package config loads service settings from the environment, after reading
// an optional .env file.
package config

import (
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Service   ServiceConfig
	Auth      AuthConfig
	Directory DirectoryConfig
	Gateway   GatewayConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	Scylla    ScyllaConfig
	Logger    LoggerConfig
}

type ServiceConfig struct {
	Name            string
	Env             string
	Addr            string
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// DirectoryConfig selects the room directory store. Driver is one of
// sqlite3, postgres or scylla.
type DirectoryConfig struct {
	Driver string
	DSN    string
	NodeID int
}

type GatewayConfig struct {
	SendBuffer     int
	MaxMessageSize int
	HistoryLimit   int
}

// KafkaConfig with no brokers means frames stay on the in-process bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// RedisConfig with an empty Addr means presence is kept in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ScyllaConfig with no hosts disables message history.
type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
}

type LoggerConfig struct {
	Level  string
	Format string
}

var defaultAddrs = map[string]string{
	"directory": ":8081",
	"gateway":   ":8080",
	"archiver":  ":8082",
}

// Load reads .env (if present) and the process environment. service picks
// the default listen address and consumer group.
func Load(service string) *Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	addr, ok := defaultAddrs[service]
	if !ok {
		addr = ":8080"
	}

	return &Config{
		Service: ServiceConfig{
			Name:            getEnv("SERVICE_NAME", service),
			Env:             getEnv("SERVICE_ENV", "development"),
			Addr:            getEnv("SERVICE_ADDR", addr),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Secret:   getEnv("JWT_SECRET", "my_secret_key"),
			TokenTTL: getEnvDuration("JWT_TTL", 24*time.Hour),
		},
		Directory: DirectoryConfig{
			Driver: getEnv("DIRECTORY_DRIVER", "sqlite3"),
			DSN:    getEnv("DIRECTORY_DSN", "directory.db"),
			NodeID: getEnvInt("DIRECTORY_NODE_ID", 1),
		},
		Gateway: GatewayConfig{
			SendBuffer:     getEnvInt("GATEWAY_SEND_BUFFER", 256),
			MaxMessageSize: getEnvInt("GATEWAY_MAX_MESSAGE_SIZE", 64*1024),
			HistoryLimit:   getEnvInt("GATEWAY_HISTORY_LIMIT", 500),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "room-frames"),
			GroupID: getEnv("KAFKA_GROUP_ID", service+"-group"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Scylla: ScyllaConfig{
			Hosts:    getEnvList("SCYLLA_HOSTS", nil),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "chat"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}
