package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

/* Config is read from .env (toml syntax) and overridden by the environment */

type Config struct {
	Port        string `mapstructure:"PORT"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	ProductName string `mapstructure:"PRODUCT_NAME"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"` // redis | postgres | memory
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	PostgresDSN   string `mapstructure:"POSTGRES_DSN"`

	// Pool settings for the postgres store; 0 keeps the database/sql default
	PostgresMaxOpenConns       int `mapstructure:"POSTGRES_MAX_OPEN_CONNS"`
	PostgresMaxIdleConns       int `mapstructure:"POSTGRES_MAX_IDLE_CONNS"`
	PostgresConnMaxLifeMinutes int `mapstructure:"POSTGRES_CONN_MAX_LIFE_MINUTES"`

	BusDriver        string `mapstructure:"BUS_DRIVER"` // memory | redis | kafka
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID     string `mapstructure:"KAFKA_GROUP_ID"`
	RedisStreamGroup string `mapstructure:"REDIS_STREAM_GROUP"`
	EventTopic       string `mapstructure:"EVENT_TOPIC"`

	DispatcherID           string `mapstructure:"DISPATCHER_ID"`
	DispatchMaxConcurrency int    `mapstructure:"DISPATCH_MAX_CONCURRENCY"` // 0 = unbounded
	FailOnErrorStatus      bool   `mapstructure:"WEBHOOK_FAIL_ON_ERROR_STATUS"`
	SubscribersFile        string `mapstructure:"SUBSCRIBERS_FILE"`
	HeartbeatInterval      int    `mapstructure:"HEARTBEAT_INTERVAL_SECONDS"`
}

var defaults = map[string]interface{}{
	"PORT":                           "8080",
	"SERVICE_NAME":                   "webhook-dispatcher",
	"PRODUCT_NAME":                   "Platform",
	"STORE_DRIVER":                   "redis",
	"REDIS_ADDR":                     "localhost:6379",
	"REDIS_PASSWORD":                 "",
	"REDIS_DB":                       0,
	"POSTGRES_DSN":                   "",
	"POSTGRES_MAX_OPEN_CONNS":        25,
	"POSTGRES_MAX_IDLE_CONNS":        5,
	"POSTGRES_CONN_MAX_LIFE_MINUTES": 5,
	"BUS_DRIVER":                     "memory",
	"KAFKA_BROKERS":                  "localhost:9092",
	"KAFKA_GROUP_ID":                 "webhook-dispatchers",
	"REDIS_STREAM_GROUP":             "webhook-dispatchers",
	"EVENT_TOPIC":                    "platform.event",
	"DISPATCHER_ID":                  "",
	"DISPATCH_MAX_CONCURRENCY":       0,
	"WEBHOOK_FAIL_ON_ERROR_STATUS":   false,
	"SUBSCRIBERS_FILE":               "",
	"HEARTBEAT_INTERVAL_SECONDS":     10,
}

func GetConfig() (*Config, error) {
	return Load(viper.New(), ".")
}

// Load reads .env from path if present; a missing file is not an error
func Load(v *viper.Viper, path string) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigName(".env")
	v.SetConfigType("toml")
	v.AddConfigPath(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &config, nil
}

// Validate checks driver names and the settings each driver needs
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER: %s", c.StoreDriver)
	}

	switch c.BusDriver {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis bus")
		}
	case "kafka":
		if strings.TrimSpace(c.KafkaBrokers) == "" {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka bus")
		}
	default:
		return fmt.Errorf("unknown BUS_DRIVER: %s", c.BusDriver)
	}

	if c.EventTopic == "" {
		return fmt.Errorf("EVENT_TOPIC cannot be empty")
	}
	if c.DispatchMaxConcurrency < 0 {
		return fmt.Errorf("DISPATCH_MAX_CONCURRENCY cannot be negative")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	return nil
}
