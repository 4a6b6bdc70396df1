package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/alexzhou910/teamspace-events/internal/admin"
	"github.com/alexzhou910/teamspace-events/internal/config"
	"github.com/alexzhou910/teamspace-events/internal/logger"
	"github.com/alexzhou910/teamspace-events/internal/store"
	httptransport "github.com/alexzhou910/teamspace-events/internal/transport/http"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warnf("redis ping: %v (stats caching disabled)", err)
		rdb = nil
	}

	st := store.NewStore(gdb, log)
	svc := admin.NewService(st, rdb, log)
	router := httptransport.NewRouter(svc, cfg.RateLimit, cfg.Retention.MaxAge(), log)

	addr := fmt.Sprintf(":%d", cfg.Admin.Port)
	log.Infof("outbox admin listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
