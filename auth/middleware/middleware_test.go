package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/basit/qrshare-backend/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDevice_SetsIdentity(t *testing.T) {
	r := gin.New()
	r.Use(Device(services.HeaderIdentity{Header: "Device-Id"}))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, DeviceID(c)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Device-Id", "device_abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, "device_abc", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "", w.Body.String())
}

func TestRateLimiter_BlocksBurst(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.getLimiter("10.0.0.1")

	rl.forgetIdle(time.Now())
	assert.Len(t, rl.clients, 1)

	rl.forgetIdle(time.Now().Add(time.Hour))
	assert.Empty(t, rl.clients)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(Device(services.HeaderIdentity{Header: "Device-Id"}), RequestLogger(log))
	r.GET("/api/files/info/:name", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodGet, "/api/files/info/x", nil)
	req.Header.Set("Device-Id", "dev1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"path":"/api/files/info/:name"`)
	assert.Contains(t, out, `"status":404`)
	assert.Contains(t, out, `"device_id":"dev1"`)
}
