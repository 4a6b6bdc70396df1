package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alexzhou910/teamspace-events/internal/admin"
	"github.com/alexzhou910/teamspace-events/internal/store"
)

func RegisterHandlers(r *gin.Engine, svc *admin.Service, defaultMaxAge time.Duration) {
	v1 := r.Group("/v1/outbox")
	{
		v1.GET("/stats", statsHandler(svc))
		v1.GET("/aggregates/:type/:id/events", aggregateEventsHandler(svc))
		v1.POST("/cleanup", cleanupHandler(svc, defaultMaxAge))
	}
}

func statsHandler(svc *admin.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.Stats(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func aggregateEventsHandler(svc *admin.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := svc.EventsByAggregate(c, c.Param("type"), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

type cleanupReq struct {
	MaxAgeHours *int `json:"max_age_hours"`
}

func cleanupHandler(svc *admin.Service, defaultMaxAge time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		maxAge := defaultMaxAge
		var req cleanupReq
		if err := c.ShouldBindJSON(&req); err == nil && req.MaxAgeHours != nil {
			if *req.MaxAgeHours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_age_hours"})
				return
			}
			maxAge = time.Duration(*req.MaxAgeHours) * time.Hour
		} else if raw := c.Query("max_age_hours"); raw != "" {
			hours, err := strconv.Atoi(raw)
			if err != nil || hours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_age_hours"})
				return
			}
			maxAge = time.Duration(hours) * time.Hour
		}
		deleted, err := svc.Cleanup(c, maxAge)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}
