package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries the external collaborator endpoints and the tunable
// windows of the messaging core. Values come from the environment with the
// same defaults the services use.
type Config struct {
	ScyllaHosts []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace    string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	GatewayURL   string   `env:"GATEWAY_URL" envDefault:"ws://localhost:8080/ws"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-events"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"chat-uploads"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"my_secret_key"`

	HeartbeatInterval time.Duration `env:"PRESENCE_HEARTBEAT" envDefault:"30s"`
	PresenceStaleness time.Duration `env:"PRESENCE_STALENESS" envDefault:"2m"`
	TypingThrottle    time.Duration `env:"TYPING_THROTTLE" envDefault:"2s"`
	TypingIdleAfter   time.Duration `env:"TYPING_IDLE_AFTER" envDefault:"3s"`
	TypingTTL         time.Duration `env:"TYPING_TTL" envDefault:"5s"`
}

func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
