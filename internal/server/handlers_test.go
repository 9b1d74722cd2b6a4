package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/cache"
	"pulseline/internal/metrics"
)

func TestMetricsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	agg := metrics.NewAggregator()
	agg.IncMessagesReceived()
	agg.IncNotificationsSent()
	agg.SetActiveConnections(3)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/metrics", nil)

	newMetricsHandler(agg, nil)(c)
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["messagesReceived"])
	assert.Equal(t, float64(1), body["notificationsSent"])
	assert.Equal(t, float64(3), body["activeConnections"])
	assert.Contains(t, body, "pgNotifyFallbacks")
	assert.Contains(t, body, "spansByName")
	assert.Contains(t, body, "avgDurationByName")
	assert.Contains(t, body, "deadLetters")
	assert.Contains(t, body, "errorCount")
}

func TestCacheStatsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ec, err := cache.New(16, 0)
	require.NoError(t, err)
	_, err = ec.GetOrLoad(context.Background(), cache.Key("user", "42"), func(_ context.Context) (any, error) {
		return "ada", nil
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/cache/stats", nil)

	newCacheStatsHandler(ec)(c)
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["hits"])
	assert.Equal(t, float64(1), body["misses"])
	assert.Equal(t, float64(1), body["totalRequests"])
	assert.Equal(t, float64(1), body["size"])
	assert.Equal(t, float64(16), body["capacity"])
	assert.Contains(t, body, "hitRate")
	assert.Contains(t, body, "uptimeSeconds")
	assert.Contains(t, body, "coalescedRequests")
	assert.Contains(t, body, "invalidations")
	assert.Contains(t, body, "utilization")
}

type fakePresence struct {
	users []uuid.UUID
	err   error
}

func (f *fakePresence) OnlineUsers(_ context.Context) ([]uuid.UUID, error) {
	return f.users, f.err
}

func TestOnlineUsersHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	a, b := uuid.New(), uuid.New()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/presence/online", nil)

	newOnlineUsersHandler(&fakePresence{users: []uuid.UUID{a, b}})(c)
	require.Equal(t, 200, rec.Code)

	var body struct {
		Online []uuid.UUID `json:"online"`
		Count  int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []uuid.UUID{a, b}, body.Online)
	assert.Equal(t, 2, body.Count)
}

func TestOnlineUsersHandlerEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/presence/online", nil)

	newOnlineUsersHandler(&fakePresence{})(c)
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"online": [], "count": 0}`, rec.Body.String())
}

func TestOnlineUsersHandlerError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/presence/online", nil)

	newOnlineUsersHandler(&fakePresence{err: errors.New("redis down")})(c)
	assert.Equal(t, 500, rec.Code)
}
