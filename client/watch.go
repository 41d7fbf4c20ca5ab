package client

import (
	"context"
	"errors"
	"time"

	"github.com/basit/qrshare-backend/backoff"
)

// WatchRecent polls the global recent list every interval and calls fn with
// each result. Failed polls are retried with the shared backoff; only errors
// the server marks as final end the watch. It returns when ctx is done.
func (c *Client) WatchRecent(ctx context.Context, interval time.Duration, policy backoff.Policy, fn func([]File)) error {
	for {
		var files []File
		err := backoff.Do(ctx, policy, func(ctx context.Context) error {
			var err error
			files, err = c.Recent(ctx)
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return err
			}
		} else {
			fn(files)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
