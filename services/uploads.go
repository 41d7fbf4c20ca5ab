package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/storage"
	"github.com/basit/qrshare-backend/store"
)

const (
	sniffLen       = 3072
	cleanupTimeout = 30 * time.Second
)

var (
	uploadNamespace = uuid.MustParse("3f0c1e0a-5d84-4c55-9a3c-1f3b6f0e2d71")
	errTooLarge     = errors.New("upload exceeds size limit")
)

// SingleUpload is one file sent in a single request.
type SingleUpload struct {
	Body     io.Reader
	Name     string
	MimeType string
	Size     int64 // declared length, 0 when unknown
	DeviceID string
	Password string
}

// Chunk is one piece of a chunked upload.
type Chunk struct {
	Body         io.Reader
	Index        int
	Total        int
	OriginalName string
	DeviceID     string
}

type ChunkAck struct {
	UploadKey string `json:"uploadKey"`
	Index     int    `json:"chunkIndex"`
	Total     int    `json:"totalChunks"`
	Received  int64  `json:"received"`
	Complete  bool   `json:"complete"`
}

type MergeRequest struct {
	OriginalName string
	TotalChunks  int
	DeviceID     string
	MimeType     string
	Password     string
}

// Coordinator turns single uploads and chunk sets into file records.
type Coordinator struct {
	store  *store.Store
	blobs  storage.BlobStore
	ledger *Ledger
	policy UploadPolicy
	log    *slog.Logger
	now    func() time.Time

	merges singleflight.Group
}

func NewCoordinator(st *store.Store, blobs storage.BlobStore, ledger *Ledger, policy UploadPolicy, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		blobs:  blobs,
		ledger: ledger,
		policy: policy,
		log:    log.With("component", "uploads"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) Policy() UploadPolicy { return c.policy }

// upload is what finalize needs to create a record, whichever way the bytes arrived.
type upload struct {
	body         io.Reader
	name         string
	mimeType     string
	expected     int64
	deviceID     string
	passwordHash *string
}

func (c *Coordinator) ReceiveSingleUpload(ctx context.Context, in SingleUpload) (*models.File, error) {
	name := DisplayName(in.Name)
	if name == "" {
		return nil, apperr.Validation("file name is required")
	}
	if in.DeviceID != "" {
		if err := ValidateDeviceID(in.DeviceID); err != nil {
			return nil, err
		}
	}
	if in.Size > 0 {
		if err := c.policy.CheckSize(in.Size); err != nil {
			return nil, err
		}
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	body, mimeType, err := c.sniff(in.Body, name, in.MimeType)
	if err != nil {
		return nil, err
	}
	expected := in.Size
	if expected <= 0 {
		expected = -1
	}
	return c.finalize(ctx, upload{
		body:         body,
		name:         name,
		mimeType:     mimeType,
		expected:     expected,
		deviceID:     in.DeviceID,
		passwordHash: hash,
	})
}

// ReceiveChunk stores one chunk. Sending an index again replaces it.
func (c *Coordinator) ReceiveChunk(ctx context.Context, ch Chunk) (ChunkAck, error) {
	name := DisplayName(ch.OriginalName)
	switch {
	case name == "":
		return ChunkAck{}, apperr.Validation("originalName is required")
	case ch.Total < 1:
		return ChunkAck{}, apperr.Validation("totalChunks must be at least 1")
	case c.policy.MaxChunks > 0 && ch.Total > c.policy.MaxChunks:
		return ChunkAck{}, apperr.Validation("totalChunks must not exceed %d", c.policy.MaxChunks)
	case ch.Index < 0 || ch.Index >= ch.Total:
		return ChunkAck{}, apperr.Validation("chunkIndex must be between 0 and %d", ch.Total-1)
	}
	if ch.DeviceID != "" {
		if err := ValidateDeviceID(ch.DeviceID); err != nil {
			return ChunkAck{}, err
		}
	}

	key := UploadKey(ch.DeviceID, name, ch.Total)
	// each attempt writes its own blob; the row moves to it only once it is stored
	blobKey := chunkBlobKey(key, ch.Index)
	n, err := c.blobs.Put(ctx, blobKey, &limitReader{r: ch.Body, left: c.policy.MaxBytes})
	if err != nil {
		c.discard(ctx, blobKey)
		if errors.Is(err, errTooLarge) {
			return ChunkAck{}, c.policy.CheckSize(c.policy.MaxBytes + 1)
		}
		return ChunkAck{}, apperr.Storage("failed to store chunk", err)
	}

	superseded, err := c.store.SaveChunk(ctx, &models.UploadChunk{
		UploadKey:    key,
		ChunkIndex:   ch.Index,
		TotalChunks:  ch.Total,
		OriginalName: name,
		DeviceID:     ch.DeviceID,
		BlobKey:      blobKey,
		Size:         n,
	})
	if err != nil {
		c.discard(ctx, blobKey)
		return ChunkAck{}, err
	}
	if superseded != "" {
		c.discard(ctx, superseded)
	}

	received, err := c.store.CountChunks(ctx, key)
	if err != nil {
		return ChunkAck{}, err
	}
	return ChunkAck{
		UploadKey: key,
		Index:     ch.Index,
		Total:     ch.Total,
		Received:  received,
		Complete:  received == int64(ch.Total),
	}, nil
}

// MergeChunks assembles a complete chunk set into one file. A set with
// missing chunks is left in place so the client can send the rest and retry.
// Once a set is complete its chunks are purged whether the merge succeeds or not.
// Concurrent merges of the same upload share one execution.
func (c *Coordinator) MergeChunks(ctx context.Context, req MergeRequest) (*models.File, error) {
	name := DisplayName(req.OriginalName)
	switch {
	case name == "":
		return nil, apperr.Validation("originalName is required")
	case req.TotalChunks < 1:
		return nil, apperr.Validation("totalChunks must be at least 1")
	}
	if req.DeviceID != "" {
		if err := ValidateDeviceID(req.DeviceID); err != nil {
			return nil, err
		}
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	key := UploadKey(req.DeviceID, name, req.TotalChunks)
	v, err, shared := c.merges.Do(key, func() (any, error) {
		return c.merge(ctx, key, name, req, hash)
	})
	if shared {
		c.log.Debug("merge shared with a concurrent request", "upload_key", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.File), nil
}

func (c *Coordinator) merge(ctx context.Context, key, name string, req MergeRequest, hash *string) (*models.File, error) {
	chunks, claimed, err := c.store.ClaimChunks(ctx, key, func(cs []models.UploadChunk) bool {
		return len(missingChunks(cs, req.TotalChunks)) == 0
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		missing := missingChunks(chunks, req.TotalChunks)
		if len(chunks) == 0 {
			return nil, apperr.Incomplete("no chunks received for %q", name)
		}
		return nil, apperr.Incomplete("missing %d of %d chunks for %q (first missing index %d)",
			len(missing), req.TotalChunks, name, missing[0])
	}
	defer c.purgeChunkBlobs(ctx, chunks)

	var size int64
	keys := make([]string, len(chunks))
	for i, ch := range chunks {
		size += ch.Size
		keys[i] = ch.BlobKey
	}
	if err := c.policy.CheckSize(size); err != nil {
		return nil, err
	}

	r := &chunkReader{ctx: ctx, blobs: c.blobs, keys: keys}
	defer r.Close()
	body, mimeType, err := c.sniff(r, name, req.MimeType)
	if err != nil {
		return nil, err
	}

	file, err := c.finalize(ctx, upload{
		body:         body,
		name:         name,
		mimeType:     mimeType,
		expected:     size,
		deviceID:     req.DeviceID,
		passwordHash: hash,
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("chunked upload merged", "upload_key", key, "stored_name", file.StoredName,
		"chunks", len(chunks), "size", size)
	return file, nil
}

// finalize writes the bytes under a fresh stored name, then creates the
// record and the history entry in one transaction. The blob is removed again
// when anything after the write fails.
func (c *Coordinator) finalize(ctx context.Context, in upload) (*models.File, error) {
	now := c.now()
	storedName := StoredName(in.name, now)
	key := fileBlobKey(storedName)

	n, err := c.blobs.Put(ctx, key, &limitReader{r: in.body, left: c.policy.MaxBytes})
	if err != nil {
		c.discard(ctx, key)
		if errors.Is(err, errTooLarge) {
			return nil, c.policy.CheckSize(c.policy.MaxBytes + 1)
		}
		if ctx.Err() != nil {
			return nil, apperr.Storage("upload aborted", err)
		}
		return nil, apperr.Storage("failed to store file", err)
	}
	if in.expected >= 0 && n != in.expected {
		c.discard(ctx, key)
		return nil, apperr.Validation("received %d bytes, expected %d", n, in.expected)
	}

	file := &models.File{
		StoredName:        storedName,
		OriginalName:      in.name,
		StoragePath:       key,
		Size:              n,
		MimeType:          in.mimeType,
		PasswordHash:      in.passwordHash,
		PasswordProtected: in.passwordHash != nil,
		UploadedAt:        now,
	}
	if in.deviceID != "" {
		file.DeviceID = &in.deviceID
	}
	if c.policy.Retention > 0 {
		exp := now.Add(c.policy.Retention)
		file.ExpiresAt = &exp
	}

	if err := c.persist(ctx, file, in.deviceID); err != nil {
		c.discard(ctx, key)
		return nil, err
	}
	c.log.Info("file stored", "stored_name", storedName, "size", n, "device_id", in.deviceID)
	return file, nil
}

func (c *Coordinator) persist(ctx context.Context, file *models.File, deviceID string) error {
	if deviceID != "" {
		unlock := c.ledger.lock(deviceID)
		defer unlock()
	}
	return c.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		if deviceID == "" {
			return nil
		}
		return c.ledger.record(ctx, tx, deviceID, file.ID)
	})
}

// sniff fills in the content type from the first bytes when the client did
// not send a useful one, then applies the type allow-list.
func (c *Coordinator) sniff(body io.Reader, name, declared string) (io.Reader, string, error) {
	br := bufio.NewReaderSize(body, sniffLen)
	mimeType := strings.TrimSpace(declared)
	if mimeType == "" || mimeType == "application/octet-stream" {
		head, err := br.Peek(sniffLen)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, "", apperr.Storage("failed to read upload", err)
		}
		mimeType = mimetype.Detect(head).String()
	}
	if err := c.policy.CheckType(name, mimeType); err != nil {
		return nil, "", err
	}
	return br, mimeType, nil
}

func (c *Coordinator) discard(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.blobs.Delete(ctx, key); err != nil {
		c.log.Warn("failed to remove blob", "key", key, "error", err)
	}
}

func (c *Coordinator) purgeChunkBlobs(ctx context.Context, chunks []models.UploadChunk) {
	for _, ch := range chunks {
		c.discard(ctx, ch.BlobKey)
	}
}

// PurgeStaleUploads drops chunk sets that have not received a chunk since
// olderThan ago and returns how many were removed.
func (c *Coordinator) PurgeStaleUploads(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := c.store.StaleUploadKeys(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, key := range keys {
		chunks, claimed, err := c.store.ClaimChunks(ctx, key, func([]models.UploadChunk) bool { return true })
		if err != nil {
			return purged, err
		}
		if !claimed {
			continue
		}
		c.purgeChunkBlobs(ctx, chunks)
		purged++
		c.log.Info("abandoned upload purged", "upload_key", key, "chunks", len(chunks))
	}
	return purged, nil
}

// UploadKey identifies one logical chunked upload.
func UploadKey(deviceID, name string, total int) string {
	seed := deviceID + "\x00" + name + "\x00" + strconv.Itoa(total)
	return uuid.NewSHA1(uploadNamespace, []byte(seed)).String()
}

func fileBlobKey(storedName string) string { return "files/" + storedName }

func chunkBlobKey(uploadKey string, index int) string {
	return fmt.Sprintf("chunks/%s/%06d-%s", uploadKey, index, shortuuid.New())
}

// missingChunks lists the indexes in [0,total) with no received chunk.
func missingChunks(chunks []models.UploadChunk, total int) []int {
	have := make([]bool, total)
	for _, ch := range chunks {
		if ch.ChunkIndex >= 0 && ch.ChunkIndex < total {
			have[ch.ChunkIndex] = true
		}
	}
	var missing []int
	for i, ok := range have {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func hashPassword(password string) (*string, error) {
	if password == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.Validation("password must be at most 72 bytes")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to hash password", err)
	}
	s := string(hash)
	return &s, nil
}

// limitReader fails once more than left bytes have been read.
type limitReader struct {
	r    io.Reader
	left int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		return 0, errTooLarge
	}
	return n, err
}

// chunkReader streams the chunk blobs back to back in the given order.
type chunkReader struct {
	ctx   context.Context
	blobs storage.BlobStore
	keys  []string
	cur   io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.keys) == 0 {
				return 0, io.EOF
			}
			rc, err := r.blobs.Open(r.ctx, r.keys[0])
			if err != nil {
				return 0, fmt.Errorf("open chunk %s: %w", r.keys[0], err)
			}
			r.cur = rc
			r.keys = r.keys[1:]
		}
		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
