package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/basit/qrshare-backend/services"
)

const expiredBatch = 100

// Cleaner purges abandoned chunk sets and files past their retention.
type Cleaner struct {
	uploads  *services.Coordinator
	gateway  *services.Gateway
	chunkTTL time.Duration
	log      *slog.Logger
}

func NewCleaner(uploads *services.Coordinator, gateway *services.Gateway, chunkTTL time.Duration, log *slog.Logger) *Cleaner {
	return &Cleaner{uploads: uploads, gateway: gateway, chunkTTL: chunkTTL, log: log.With("component", "cleanup")}
}

// Start runs the cleanup every interval until ctx is done.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// Result counts what one pass removed.
type Result struct {
	Uploads int
	Files   int
}

func (c *Cleaner) RunOnce(ctx context.Context) Result {
	var res Result
	n, err := c.uploads.PurgeStaleUploads(ctx, c.chunkTTL)
	res.Uploads = n
	if err != nil {
		c.log.Warn("error purging abandoned uploads", "error", err)
	}

	for {
		n, err := c.gateway.DeleteExpired(ctx, expiredBatch)
		res.Files += n
		if err != nil {
			c.log.Warn("error deleting expired files", "error", err)
			break
		}
		if n < expiredBatch {
			break
		}
	}

	if res.Uploads > 0 || res.Files > 0 {
		c.log.Info("cleanup finished", "uploads_purged", res.Uploads, "files_deleted", res.Files)
	}
	return res
}
