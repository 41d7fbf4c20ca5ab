package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health runs the dependency checks now and reports each of them.
func (h *Handler) Health(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// ClientConfig exposes the upload policy and polling cadence clients follow.
func (h *Handler) ClientConfig(c *gin.Context) {
	policy := h.uploads.Policy()
	c.JSON(http.StatusOK, gin.H{
		"maxUploadBytes": policy.MaxBytes,
		"maxChunks":      policy.MaxChunks,
		"allowedTypes":   policy.AllowedTypes(),
		"pollInterval":   h.pollInterval.Milliseconds(),
		"historyLimit":   h.ledger.Limit(),
	})
}
