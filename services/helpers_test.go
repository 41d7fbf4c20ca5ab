package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basit/qrshare-backend/auth"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/storage"
	"github.com/basit/qrshare-backend/store"
	"github.com/basit/qrshare-backend/store/storetest"
)

type env struct {
	store   *store.Store
	blobs   *flakyBlobs
	root    string
	ledger  *Ledger
	uploads *Coordinator
	gateway *Gateway
	tokens  *auth.DownloadTokens
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithStore(t, storetest.New(t))
}

func newEnvWithStore(t *testing.T, st *store.Store) *env {
	t.Helper()
	root := t.TempDir()
	disk, err := storage.NewDiskStore(root)
	require.NoError(t, err)

	log := slog.New(slog.DiscardHandler)
	blobs := &flakyBlobs{BlobStore: disk}
	ledger := NewLedger(st, 10, log)
	policy := NewUploadPolicy(8<<20, 100, []string{"txt", "pdf", "bin", "image/*", "application/octet-stream"})
	tokens := auth.NewDownloadTokens("test-secret", time.Minute)
	return &env{
		store:   st,
		blobs:   blobs,
		root:    root,
		ledger:  ledger,
		uploads: NewCoordinator(st, blobs, ledger, policy, log),
		gateway: NewGateway(st, blobs, tokens, log),
		tokens:  tokens,
	}
}

// blobFiles lists the regular files under prefix, ignoring directories.
func (e *env) blobFiles(t *testing.T, prefix string) []string {
	t.Helper()
	var out []string
	dir := filepath.Join(e.root, prefix)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func (e *env) upload(t *testing.T, name string, data []byte, deviceID string) string {
	t.Helper()
	f, err := e.uploads.ReceiveSingleUpload(context.Background(), SingleUpload{
		Body:     bytes.NewReader(data),
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(data)),
		DeviceID: deviceID,
	})
	require.NoError(t, err)
	return f.StoredName
}

func (e *env) serve(ctx context.Context, storedName string, cred Credentials) ([]byte, error) {
	var buf bytes.Buffer
	_, err := e.gateway.Serve(ctx, storedName, cred, DownloadMeta{IPAddress: "127.0.0.1"}, func(*models.File) io.Writer { return &buf })
	return buf.Bytes(), err
}

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// flakyBlobs wraps a real store and fails selected operations on demand.
type flakyBlobs struct {
	storage.BlobStore

	mu         sync.Mutex
	failPut    func(key string) bool
	failDelete bool
	deleted    []string
}

var errInjected = errors.New("injected failure")

func (f *flakyBlobs) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	f.mu.Lock()
	fail := f.failPut != nil && f.failPut(key)
	f.mu.Unlock()
	if fail {
		return 0, errInjected
	}
	return f.BlobStore.Put(ctx, key, r)
}

func (f *flakyBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.BlobStore.Delete(ctx, key)
}
