package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	Service string        `yaml:"service"`
	HTTP    ServerConfig  `yaml:"http"`
	GRPC    ServerConfig  `yaml:"grpc"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Engine  EngineConfig  `yaml:"engine"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TracingConfig struct {
	// JaegerEndpoint disables tracing when empty.
	JaegerEndpoint string `yaml:"jaegerEndpoint"`
}

type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	MySQLDSN        string        `yaml:"mysqlDSN"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type RedisConfig struct {
	// Addr disables request idempotency and scheduler leases when empty.
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"poolSize"`
}

type KafkaConfig struct {
	// Brokers disables event export when empty.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EngineConfig struct {
	ReservationTTL    time.Duration `yaml:"reservationTTL"`
	MaxRetries        int           `yaml:"maxRetries"`
	Transactional     bool          `yaml:"transactional"`
	HoldSweepInterval time.Duration `yaml:"holdSweepInterval"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	EventWorkers      int           `yaml:"eventWorkers"`
	EventQueueSize    int           `yaml:"eventQueueSize"`
}

func Default() *Config {
	return &Config{
		Service: "inventory-engine",
		HTTP:    ServerConfig{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		GRPC:    ServerConfig{Addr: ":50051", ShutdownTimeout: 5 * time.Second},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver:          DriverMySQL,
			MySQLDSN:        "root:root@tcp(localhost:3306)/inventory?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 100},
		Kafka: KafkaConfig{Topic: "inventory.stock-transactions"},
		Engine: EngineConfig{
			ReservationTTL:    15 * time.Minute,
			MaxRetries:        3,
			Transactional:     true,
			HoldSweepInterval: 60 * time.Second,
			ReconcileInterval: time.Hour,
			EventWorkers:      8,
			EventQueueSize:    1024,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("JAEGER_ENDPOINT", &c.Tracing.JaegerEndpoint)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("MYSQL_DSN", &c.Storage.MySQLDSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("KAFKA_TOPIC", &c.Kafka.Topic)

	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup("ENGINE_TRANSACTIONAL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENGINE_TRANSACTIONAL: %w", err)
		}
		c.Engine.Transactional = b
	}
	if v, ok := lookup("ENGINE_RESERVATION_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ENGINE_RESERVATION_TTL: %w", err)
		}
		c.Engine.ReservationTTL = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMySQL:
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysqlDSN is required for the mysql driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Engine.ReservationTTL <= 0 {
		errs = append(errs, errors.New("engine.reservationTTL must be positive"))
	}
	if c.Engine.MaxRetries <= 0 {
		errs = append(errs, errors.New("engine.maxRetries must be positive"))
	}
	if c.Engine.HoldSweepInterval <= 0 || c.Engine.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("engine sweep intervals must be positive"))
	}
	if c.Engine.EventWorkers < 0 || c.Engine.EventQueueSize < 0 {
		errs = append(errs, errors.New("engine event workers and queue size must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
