package initializers

import (
	"io"
	"log/slog"

	"github.com/basit/qrshare-backend/config"
)

// NewLogger returns a JSON logger in production and a text logger otherwise.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
