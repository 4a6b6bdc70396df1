package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/alexzhou910/teamspace-events/internal/broker"
	"github.com/alexzhou910/teamspace-events/internal/config"
	"github.com/alexzhou910/teamspace-events/internal/logger"
	"github.com/alexzhou910/teamspace-events/internal/model"
	"github.com/alexzhou910/teamspace-events/internal/store"
	"github.com/alexzhou910/teamspace-events/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.EventRecord{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	st := store.NewStore(gdb, log)
	bc := broker.NewClient(cfg.Broker.URL, cfg.Broker.Exchange, log)

	w := worker.NewPublisherWorker(gdb, st, bc, log, worker.Config{
		PollInterval:    cfg.Publisher.PollInterval(),
		BatchSize:       cfg.Publisher.BatchSize,
		MaxAttempts:     cfg.Publisher.MaxAttempts,
		RetrySweepEvery: cfg.Publisher.RetrySweepEvery,
		ShutdownTimeout: cfg.Publisher.ShutdownTimeout(),
	})
	sweeper := worker.NewRetentionSweeper(st, log, cfg.Retention.SweepInterval(), cfg.Retention.MaxAge())

	w.Start()
	sweeper.Start()
	log.Info("event publisher started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	sweeper.Stop()
	w.Stop()
}
