package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pulseline/internal/activity"
	"pulseline/internal/cache"
	"pulseline/internal/ledger"
	"pulseline/internal/metrics"
)

// PresenceReader lists users with at least one live connection on any
// instance, backed by the shared session registry.
type PresenceReader interface {
	OnlineUsers(ctx context.Context) ([]uuid.UUID, error)
}

func newOnlineUsersHandler(presence PresenceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := presence.OnlineUsers(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list online users"})
			return
		}
		if users == nil {
			users = []uuid.UUID{}
		}
		c.JSON(http.StatusOK, gin.H{"online": users, "count": len(users)})
	}
}

func newMetricsHandler(m *metrics.Aggregator, repo *ledger.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := m.Snapshot()
		if repo != nil {
			if n, err := repo.CountDeadLetters(c.Request.Context()); err == nil {
				snap.DeadLetters = n
			}
		}
		c.JSON(http.StatusOK, snap)
	}
}

func newCacheStatsHandler(ec *cache.EntityCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ec.Stats())
	}
}

func newActivitiesHandler(repo *ledger.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := ledger.Filter{
			UserID:          c.Query("userId"),
			EntityType:      c.Query("entityType"),
			ResourceType:    c.Query("resourceType"),
			Action:          activity.Action(c.Query("action")),
			TableName:       c.Query("tableName"),
			Type:            c.Query("type"),
			EntityID:        c.Query("entityId"),
			DeadLettersOnly: c.Query("deadLetters") == "true",
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		if page < 1 {
			page = 1
		}
		p := ledger.Page{
			Limit:   limit,
			Offset:  (page - 1) * limit,
			OrderBy: c.DefaultQuery("orderBy", "createdAt"),
		}

		result, err := repo.Query(c.Request.Context(), f, p)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query activities"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
