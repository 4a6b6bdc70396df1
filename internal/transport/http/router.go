package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alexzhou910/teamspace-events/internal/admin"
	"github.com/alexzhou910/teamspace-events/internal/config"
)

func NewRouter(svc *admin.Service, rl config.RateLimitConfig, defaultMaxAge time.Duration, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(log, rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, defaultMaxAge)
	return r
}
