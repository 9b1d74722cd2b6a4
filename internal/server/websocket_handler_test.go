package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newTestWSHandler() *WebSocketHandler {
	return NewWebSocketHandler(nil, testSecret, logger.NewNop())
}

func TestParseSessionToken(t *testing.T) {
	h := newTestWSHandler()
	userID := uuid.New()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	parsed, err := h.parseSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)
}

func TestParseSessionTokenRejectsWrongSecret(t *testing.T) {
	h := newTestWSHandler()

	token := signToken(t, "other-secret", jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := h.parseSessionToken(token)
	assert.Error(t, err)
}

func TestParseSessionTokenRejectsExpired(t *testing.T) {
	h := newTestWSHandler()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := h.parseSessionToken(token)
	assert.Error(t, err)
}

func TestParseSessionTokenRejectsNonUUIDSubject(t *testing.T) {
	h := newTestWSHandler()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "not-a-uuid",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := h.parseSessionToken(token)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestWSHandler()

	newCtx := func(target, authHeader string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", target, nil)
		if authHeader != "" {
			c.Request.Header.Set("Authorization", authHeader)
		}
		return c
	}

	assert.Equal(t, "abc", h.extractToken(newCtx("/ws?token=abc", "")))
	assert.Equal(t, "xyz", h.extractToken(newCtx("/ws", "Bearer xyz")))
	assert.Equal(t, "abc", h.extractToken(newCtx("/ws?token=abc", "Bearer xyz")), "query wins")
	assert.Empty(t, h.extractToken(newCtx("/ws", "Basic xyz")))
	assert.Empty(t, h.extractToken(newCtx("/ws", "")))
}

func TestHandleRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestWSHandler()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/ws", nil)

	h.Handle(c)
	assert.Equal(t, 401, rec.Code)
}

func TestHandleRejectsInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestWSHandler()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/ws?token=garbage", nil)

	h.Handle(c)
	assert.Equal(t, 401, rec.Code)
}
