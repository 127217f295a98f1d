package statushttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keeper/internal/chain"
	"keeper/internal/intent"
	"keeper/internal/logger"
	"keeper/internal/store"

	"github.com/gin-gonic/gin"
)

// Router exposes read-only views over the intent store, the endpoint health
// tracker, and the execution reliability stats. It never mutates state; all
// writes go through the engine and the store.
type Router struct {
	Store    *store.Store
	Registry *chain.Registry
	Health   *chain.HealthTracker
}

func NewRouter(st *store.Store, registry *chain.Registry, health *chain.HealthTracker) *Router {
	return &Router{Store: st, Registry: registry, Health: health}
}

// Register mounts the status routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/intents", r.handleIntents)
	group.GET("/intents/:id", r.handleIntentByID)
	group.GET("/intents/:id/history", r.handleIntentHistory)
	group.GET("/endpoints", r.handleEndpoints)
	group.GET("/reliability", r.handleReliability)
}

func (r *Router) handleIntents(c *gin.Context) {
	if r.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent store unavailable"})
		return
	}
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", "open")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var (
		intents []*intent.ExitIntent
		err     error
	)
	if status == "all" {
		intents, err = r.Store.List(c.Request.Context(), limit)
	} else {
		intents, err = r.Store.LoadActive(c.Request.Context())
	}
	if err != nil {
		logger.Errorf("[api] intents list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(intents),
		"intents": intents,
	})
}

func (r *Router) handleIntentByID(c *gin.Context) {
	if r.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent store unavailable"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	it, err := r.Store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": it})
}

func (r *Router) handleIntentHistory(c *gin.Context) {
	if r.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent store unavailable"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := r.Store.History().ListByIntent(c.Request.Context(), id, limit)
	if err != nil {
		logger.Errorf("[api] intent history failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent_id": id, "history": records})
}

func (r *Router) handleEndpoints(c *gin.Context) {
	if r.Registry == nil || r.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "endpoint registry unavailable"})
		return
	}
	// Probing on request keeps the view current; results are served from the
	// tracker's short-lived cache between polls.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	statuses := r.Health.Status(ctx, r.Registry.Endpoints())
	c.JSON(http.StatusOK, gin.H{"endpoints": statuses})
}

func (r *Router) handleReliability(c *gin.Context) {
	if r.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent store unavailable"})
		return
	}
	stats, err := r.Store.History().Reliability(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] reliability failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
