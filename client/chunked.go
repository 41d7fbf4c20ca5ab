package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is used when UploadChunked is given no size.
const DefaultChunkSize = 5 << 20

type ChunkedOptions struct {
	UploadOptions
	ChunkSize   int64
	Parallelism int
}

// UploadChunked splits r into chunks, sends them concurrently and asks the
// server to merge them.
func (c *Client) UploadChunked(ctx context.Context, name string, r io.ReaderAt, size int64, opts ChunkedOptions) (*Uploaded, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	parallel := opts.Parallelism
	if parallel <= 0 {
		parallel = 4
	}
	total := int((size + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := 0; i < total; i++ {
		off := int64(i) * chunkSize
		n := min(chunkSize, size-off)
		g.Go(func() error {
			fields := map[string]string{
				"chunkIndex":   strconv.Itoa(i),
				"totalChunks":  strconv.Itoa(total),
				"originalName": name,
				"deviceId":     c.deviceID,
			}
			body := io.NewSectionReader(r, off, n)
			if err := c.postMultipart(gctx, "/api/files/upload-chunk", "chunk", name, "application/octet-stream", body, fields, nil); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out Uploaded
	err := c.sendJSON(ctx, http.MethodPost, "/api/files/merge-chunks", map[string]any{
		"originalName": name,
		"totalChunks":  total,
		"deviceId":     c.deviceID,
		"mimeType":     opts.MimeType,
		"password":     opts.Password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
