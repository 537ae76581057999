package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Admission backends
const (
	AdmissionBackendLocal = "local"
	AdmissionBackendRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Admission AdmissionConfig `yaml:"admission"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the Redis connection used by the redis admission backend
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxWaitingPerUser caps the messages of one user waiting for admission
	// in one worker; the rest are deferred to the back of the queue
	MaxWaitingPerUser int           `yaml:"max_waiting_per_user"`
	DeferDelay        time.Duration `yaml:"defer_delay"`
}

// GatewayConfig holds the inference gateway endpoints and call policy
type GatewayConfig struct {
	DescriptionURL     string        `yaml:"description_url"`
	LyricsURL          string        `yaml:"lyrics_url"`
	DescribedLyricsURL string        `yaml:"described_lyrics_url"`
	ModalKey           string        `yaml:"modal_key"`
	ModalSecret        string        `yaml:"modal_secret"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
}

// AdmissionConfig holds the per-user admission controller settings
type AdmissionConfig struct {
	Backend   string        `yaml:"backend"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
	MaxWait   time.Duration `yaml:"max_wait"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// WorkflowConfig holds workflow engine settings
type WorkflowConfig struct {
	DebitAmount    int           `yaml:"debit_amount"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Admission.Backend == "" {
		c.Admission.Backend = AdmissionBackendLocal
	}
	if c.Admission.KeyPrefix == "" {
		c.Admission.KeyPrefix = "songforge:admission:"
	}
	if c.Workflow.DebitAmount == 0 {
		c.Workflow.DebitAmount = 1
	}
	if c.Workflow.PersistTimeout == 0 {
		c.Workflow.PersistTimeout = 10 * time.Second
	}
	if c.Worker.MaxWaitingPerUser == 0 {
		c.Worker.MaxWaitingPerUser = 1
	}
	if c.Worker.DeferDelay == 0 {
		c.Worker.DeferDelay = time.Second
	}
	// leave room for messages waiting on admission next to the running ones
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 2 * c.Worker.Concurrency
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the settings needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.RabbitMQ.Consumer.PrefetchCount < c.Worker.Concurrency {
		return fmt.Errorf("rabbitmq prefetch_count (%d) must be at least worker concurrency (%d)", c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)
	}

	if c.Worker.MaxWaitingPerUser < 0 {
		return fmt.Errorf("worker max_waiting_per_user must not be negative")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Gateway.DescriptionURL == "" || c.Gateway.LyricsURL == "" || c.Gateway.DescribedLyricsURL == "" {
		return fmt.Errorf("all three gateway endpoint urls are required")
	}

	if c.Gateway.AttemptTimeout <= 0 {
		return fmt.Errorf("gateway attempt_timeout must be greater than 0")
	}

	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway max_retries must not be negative")
	}

	if c.Workflow.DebitAmount <= 0 {
		return fmt.Errorf("workflow debit_amount must be greater than 0")
	}

	if c.Workflow.PersistTimeout <= 0 {
		return fmt.Errorf("workflow persist_timeout must be greater than 0")
	}

	switch c.Admission.Backend {
	case AdmissionBackendLocal:
	case AdmissionBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis admission backend")
		}
	default:
		return fmt.Errorf("unknown admission backend: %q", c.Admission.Backend)
	}

	// A held lease must outlive the longest legitimate job: its steps, the
	// result commit with the debit, and a failure write after that
	longestJob := c.Worker.JobTimeout + 2*c.Workflow.PersistTimeout
	if c.Admission.LeaseTTL <= longestJob {
		return fmt.Errorf("admission lease_ttl (%s) must be greater than worker job_timeout plus twice workflow persist_timeout (%s)", c.Admission.LeaseTTL, longestJob)
	}

	// A waiter must be able to outlast one running job of the same user
	if c.Admission.MaxWait > 0 && c.Admission.MaxWait < c.Worker.JobTimeout {
		return fmt.Errorf("admission max_wait (%s) must be zero or at least worker job_timeout (%s)", c.Admission.MaxWait, c.Worker.JobTimeout)
	}

	return nil
}
