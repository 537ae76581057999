// Package bootstrap builds the clients every binary shares from config
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/admission"
	"github.com/cuongbtq/songforge/internal/config"
	"github.com/cuongbtq/songforge/internal/gateway"
	"github.com/cuongbtq/songforge/internal/store"
	"github.com/cuongbtq/songforge/shared/logger"
	"github.com/cuongbtq/songforge/shared/postgresql"
	"github.com/cuongbtq/songforge/shared/rabbitmq"
	"github.com/cuongbtq/songforge/shared/redisclient"
	"github.com/redis/go-redis/v9"
)

// Logger initializes and configures the application logger
func Logger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// PostgreSQL connects to the database and, when auto_migrate is set,
// applies pending migrations
func PostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(client.GetDB().DB); err != nil {
			client.Close()
			return nil, err
		}
		log.Info("Database migrations applied")
	}

	return client, nil
}

// RabbitMQ initializes the RabbitMQ client
func RabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, log)
}

// Admission builds the configured admission controller. The returned close
// function releases the Redis connection when one was opened.
func Admission(cfg *config.Config, log *slog.Logger) (admission.Controller, func() error, error) {
	opts := admission.Options{
		LeaseTTL: cfg.Admission.LeaseTTL,
		MaxWait:  cfg.Admission.MaxWait,
	}
	ctrlLogger := log.With(slog.String("component", "admission"))

	switch cfg.Admission.Backend {
	case config.AdmissionBackendRedis:
		client, err := redisclient.NewClient(&redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		ctrl, err := admission.NewRedisController(client, cfg.Admission.KeyPrefix, opts, ctrlLogger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return ctrl, closeRedis(client), nil

	case config.AdmissionBackendLocal, "":
		return admission.NewLocalController(opts, ctrlLogger), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown admission backend %q", cfg.Admission.Backend)
	}
}

func closeRedis(client *redis.Client) func() error {
	return client.Close
}

// Gateway builds the generation gateway client
func Gateway(cfg *config.GatewayConfig, log *slog.Logger) (*gateway.Client, error) {
	return gateway.NewClient(gateway.Options{
		DescriptionURL:     cfg.DescriptionURL,
		LyricsURL:          cfg.LyricsURL,
		DescribedLyricsURL: cfg.DescribedLyricsURL,
		ModalKey:           cfg.ModalKey,
		ModalSecret:        cfg.ModalSecret,
		AttemptTimeout:     cfg.AttemptTimeout,
		MaxRetries:         cfg.MaxRetries,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		Logger:             log.With(slog.String("component", "gateway")),
	})
}
