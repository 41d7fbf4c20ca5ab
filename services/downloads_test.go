package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/models"
)

func (e *env) uploadProtected(t *testing.T, password string) *models.File {
	t.Helper()
	f, err := e.uploads.ReceiveSingleUpload(context.Background(), SingleUpload{
		Body: strings.NewReader("secret bytes"), Name: "secret.txt", MimeType: "text/plain", Password: password,
	})
	require.NoError(t, err)
	require.True(t, f.PasswordProtected)
	return f
}

func TestServe_ConcurrentDownloadsAllCounted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stored := e.upload(t, "hot.txt", []byte("popular"), "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := e.serve(ctx, stored, Credentials{})
			assert.NoError(t, err)
			assert.Equal(t, "popular", string(data))
		}()
	}
	wg.Wait()

	f, err := e.store.FileByStoredName(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.DownloadCount)
	assert.NotNil(t, f.LastDownloadedAt)

	events, err := e.store.CountDownloadEvents(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), events)
}

func TestServe_UnknownFile(t *testing.T) {
	e := newEnv(t)
	_, err := e.serve(context.Background(), "nope.txt", Credentials{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestServe_MissingContentIsNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stored := e.upload(t, "gone.txt", []byte("x"), "")
	f, err := e.store.FileByStoredName(ctx, stored)
	require.NoError(t, err)
	require.NoError(t, e.blobs.BlobStore.Delete(ctx, f.StoragePath))

	_, err = e.gateway.Resolve(ctx, stored)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestServe_ExpiredIsNotFound(t *testing.T) {
	e := newEnv(t)
	e.uploads.policy.Retention = time.Minute
	stored := e.upload(t, "brief.txt", []byte("x"), "")

	e.gateway.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err := e.serve(context.Background(), stored, Credentials{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestServe_FailedCopyLeavesCounter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stored := e.upload(t, "a.txt", []byte("abc"), "")

	_, err := e.gateway.Serve(ctx, stored, Credentials{}, DownloadMeta{}, func(*models.File) io.Writer { return failingWriter{} })
	assert.True(t, apperr.Is(err, apperr.KindStorage))

	f, err := e.store.FileByStoredName(ctx, stored)
	require.NoError(t, err)
	assert.Zero(t, f.DownloadCount)
}

func TestAuthorize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.uploadProtected(t, "hunter2")
	public := e.upload(t, "open.txt", []byte("x"), "")

	d, err := e.gateway.Authorize(ctx, f.StoredName, "wrong")
	require.NoError(t, err)
	assert.Equal(t, Denied, d)

	d, err = e.gateway.Authorize(ctx, f.StoredName, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	d, err = e.gateway.Authorize(ctx, f.StoredName, "")
	require.NoError(t, err)
	assert.Equal(t, Denied, d)

	d, err = e.gateway.Authorize(ctx, public, "")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	_, err = e.gateway.Authorize(ctx, "missing", "x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestServe_ProtectedFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.uploadProtected(t, "hunter2")

	_, err := e.serve(ctx, f.StoredName, Credentials{})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	_, err = e.serve(ctx, f.StoredName, Credentials{Password: "nope"})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	data, err := e.serve(ctx, f.StoredName, Credentials{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "secret bytes", string(data))

	got, err := e.store.FileByStoredName(ctx, f.StoredName)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.DownloadCount)
}

func TestUnlock_TokenOpensFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.uploadProtected(t, "hunter2")
	other := e.uploadProtected(t, "other")

	_, _, err := e.gateway.Unlock(ctx, f.StoredName, "wrong")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	token, exp, err := e.gateway.Unlock(ctx, f.StoredName, "hunter2")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	data, err := e.serve(ctx, f.StoredName, Credentials{Token: token})
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("secret bytes"), data))

	_, err = e.serve(ctx, other.StoredName, Credentials{Token: token})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestDeleteExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.uploads.policy.Retention = time.Minute
	expiring := e.upload(t, "old.txt", []byte("x"), "dev")
	e.uploads.policy.Retention = 0
	keep := e.upload(t, "keep.txt", []byte("y"), "dev")

	e.gateway.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := e.gateway.DeleteExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.store.FileByStoredName(ctx, expiring)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Len(t, e.blobFiles(t, "files"), 1)

	hist, err := e.ledger.History(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, names(hist))
}

func TestDeleteExpired_KeepsRecordWhenContentRemains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.uploads.policy.Retention = time.Minute
	stored := e.upload(t, "old.txt", []byte("x"), "")
	e.blobs.failDelete = true

	e.gateway.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := e.gateway.DeleteExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.store.FileByStoredName(ctx, stored)
	assert.NoError(t, err)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "denied", Denied.String())
}
