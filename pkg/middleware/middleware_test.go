package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ewsdispatch/internal/logger"
)

func newRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.NewWithCore(core)

	router := gin.New()
	router.Use(RecoveryMiddleware(log), RequestIDMiddleware(), LoggerMiddleware(log, "/health"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/panic", func(c *gin.Context) { panic("boom") })
	return router, logs
}

func get(router *gin.Engine, path string, header http.Header) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	router, _ := newRouter(t)

	rec := get(router, "/ok", http.Header{RequestIDHeader: {"abc"}})
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	rec = get(router, "/ok", nil)
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	other := get(router, "/ok", nil)
	assert.NotEqual(t, rec.Header().Get(RequestIDHeader), other.Header().Get(RequestIDHeader))
}

func TestLoggerMiddleware_Levels(t *testing.T) {
	router, logs := newRouter(t)

	get(router, "/ok", nil)
	get(router, "/health", nil)

	entries := logs.FilterMessage("HTTP Request").All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, zap.DebugLevel, entries[1].Level)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	router, logs := newRouter(t)

	rec := get(router, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}
