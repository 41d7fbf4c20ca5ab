package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/health"
	"github.com/basit/qrshare-backend/services"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Uploads   *services.Coordinator
	Ledger    *services.Ledger
	Gateway   *services.Gateway
	Publisher services.Publisher
	Health    *health.Monitor
	Log       *slog.Logger

	RecentLimit  int
	PollInterval time.Duration
	Production   bool
}

type Handler struct {
	uploads   *services.Coordinator
	ledger    *services.Ledger
	gateway   *services.Gateway
	publisher services.Publisher
	health    *health.Monitor
	log       *slog.Logger

	recentLimit  int
	pollInterval time.Duration
	production   bool
}

func New(d Deps) *Handler {
	return &Handler{
		uploads:      d.Uploads,
		ledger:       d.Ledger,
		gateway:      d.Gateway,
		publisher:    d.Publisher,
		health:       d.Health,
		log:          d.Log,
		recentLimit:  d.RecentLimit,
		pollInterval: d.PollInterval,
		production:   d.Production,
	}
}

// fail aborts with {"error": kind, "message": ...}. Outside production the
// message of server-side failures carries the cause.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		if !h.production {
			msg = err.Error()
		}
		h.log.Error("request failed", "path", c.FullPath(), "kind", kind.String(), "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": kind.String(), "message": msg})
}

// origin is the scheme and host the client used to reach us.
func origin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + c.Request.Host
}
