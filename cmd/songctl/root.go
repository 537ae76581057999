package main

import (
	"fmt"
	"os"

	"github.com/cuongbtq/songforge/internal/bootstrap"
	"github.com/cuongbtq/songforge/internal/config"
	"github.com/cuongbtq/songforge/shared/logger"
	"github.com/cuongbtq/songforge/shared/postgresql"
	"github.com/cuongbtq/songforge/shared/rabbitmq"
	"github.com/spf13/cobra"
)

// app lazily opens the clients a command needs and closes them afterwards
type app struct {
	configPath string
	cfg        *config.Config
	logger     *logger.Logger
	db         *postgresql.Client
	rabbit     *rabbitmq.Client
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:          "songctl",
		Short:        "Operator tooling for the song generation pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(recoverCmd(a))

	return rootCmd, a
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.Logger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = appLogger
	return nil
}

func (a *app) database() (*postgresql.Client, error) {
	if a.db != nil {
		return a.db, nil
	}

	// songctl migrates only on request
	dbCfg := a.cfg.Database
	dbCfg.AutoMigrate = false

	db, err := bootstrap.PostgreSQL(&dbCfg, a.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *app) broker() (*rabbitmq.Client, error) {
	if a.rabbit != nil {
		return a.rabbit, nil
	}

	rabbit, err := bootstrap.RabbitMQ(&a.cfg.RabbitMQ, a.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	a.rabbit = rabbit
	return rabbit, nil
}

func (a *app) close() {
	if a.rabbit != nil {
		a.rabbit.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}
