package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basit/qrshare-backend/services"
)

const deviceIDKey = "deviceID"

// Device resolves the caller's device through identity and stores it on the
// context. Requests without a usable identity continue anonymously.
func Device(identity services.DeviceIdentity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := identity.DeviceID(c.Request); ok {
			c.Set(deviceIDKey, id)
		}
		c.Next()
	}
}

// DeviceID returns the device set by Device, or "".
func DeviceID(c *gin.Context) string {
	return c.GetString(deviceIDKey)
}

// RequestLogger writes one structured record per request.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if id := DeviceID(c); id != "" {
			attrs = append(attrs, "device_id", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}
