package store_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/store"
	"github.com/basit/qrshare-backend/store/storetest"
)

func newFile(name string, at time.Time) *models.File {
	return &models.File{
		StoredName:   name,
		OriginalName: name,
		StoragePath:  "files/" + name,
		Size:         3,
		MimeType:     "text/plain",
		UploadedAt:   at,
	}
}

func TestCreateAndFindFile(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	f := newFile("a-1.txt", time.Now().UTC())
	require.NoError(t, s.CreateFile(ctx, f))
	require.NotEqual(t, uuid.Nil, f.ID)

	got, err := s.FileByStoredName(ctx, "a-1.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, int64(0), got.DownloadCount)

	byID, err := s.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "a-1.txt", byID.StoredName)

	_, err = s.FileByStoredName(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateFile_DuplicateStoredNameFails(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFile(ctx, newFile("dup.txt", time.Now().UTC())))
	err := s.CreateFile(ctx, newFile("dup.txt", time.Now().UTC()))
	assert.True(t, apperr.Is(err, apperr.KindStorage))
}

func TestFilesByIDs_SkipsUnknown(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	a := newFile("a.txt", time.Now().UTC().Add(-time.Minute))
	b := newFile("b.txt", time.Now().UTC())
	require.NoError(t, s.CreateFile(ctx, a))
	require.NoError(t, s.CreateFile(ctx, b))

	files, err := s.FilesByIDs(ctx, []uuid.UUID{a.ID, uuid.New(), b.ID})
	require.NoError(t, err)
	assert.Len(t, files, 2)

	none, err := s.FilesByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentFiles_Limit(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		require.NoError(t, s.CreateFile(ctx, newFile(fmt.Sprintf("f%02d.txt", i), base.Add(time.Duration(i)*time.Minute))))
	}

	files, err := s.RecentFiles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, files, 10)
}

func TestIncrementDownloads_Concurrent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := newFile("hot.txt", time.Now().UTC())
	require.NoError(t, s.CreateFile(ctx, f))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementDownloads(ctx, f.ID, time.Now().UTC()))
		}()
	}
	wg.Wait()

	got, err := s.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.DownloadCount)
	assert.NotNil(t, got.LastDownloadedAt)

	err = s.IncrementDownloads(ctx, uuid.New(), time.Now().UTC())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteFile_RemovesEvents(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := newFile("gone.txt", time.Now().UTC())
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.RecordDownload(ctx, &models.DownloadEvent{FileID: f.ID, IPAddress: "1.2.3.4"}))

	n, err := s.CountDownloadEvents(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteFile(ctx, f.ID))
	_, err = s.FileByID(ctx, f.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	n, err = s.CountDownloadEvents(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredFiles(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	old := newFile("old.txt", now.Add(-2*time.Hour))
	old.ExpiresAt = &past
	fresh := newFile("fresh.txt", now)
	fresh.ExpiresAt = &future
	forever := newFile("forever.txt", now)
	for _, f := range []*models.File{old, fresh, forever} {
		require.NoError(t, s.CreateFile(ctx, f))
	}

	files, err := s.ExpiredFiles(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "old.txt", files[0].StoredName)
}

func TestDeviceHistory_UnknownIsEmpty(t *testing.T) {
	s := storetest.New(t)
	ids, err := s.DeviceHistory(context.Background(), "device_none")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
}

func TestUpdateDeviceHistory_CreatesAndMutates(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	got, err := s.UpdateDeviceHistory(ctx, "device_abc", func(ids []string) []string {
		return append([]string{"one"}, ids...)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, got)

	_, err = s.UpdateDeviceHistory(ctx, "device_abc", func(ids []string) []string {
		return append([]string{"two"}, ids...)
	})
	require.NoError(t, err)

	ids, err := s.DeviceHistory(ctx, "device_abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "one"}, ids)

	require.NoError(t, s.DeleteDeviceHistory(ctx, "device_abc"))
	require.NoError(t, s.DeleteDeviceHistory(ctx, "device_abc"))
	ids, err = s.DeviceHistory(ctx, "device_abc")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateDeviceHistory_InsideTransactionRollsBack(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.UpdateDeviceHistory(ctx, "device_tx", func(ids []string) []string {
			return append(ids, "x")
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := s.DeviceHistory(ctx, "device_tx")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestChunks_UpsertOrderAndDelete(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	for _, idx := range []int{2, 0, 1} {
		prev, err := s.SaveChunk(ctx, &models.UploadChunk{
			UploadKey: "k1", ChunkIndex: idx, TotalChunks: 3, OriginalName: "a.bin",
			BlobKey: fmt.Sprintf("chunks/k1/%d", idx), Size: 10,
		})
		require.NoError(t, err)
		assert.Empty(t, prev)
	}
	// re-sent chunk replaces the previous row and reports the old blob
	prev, err := s.SaveChunk(ctx, &models.UploadChunk{
		UploadKey: "k1", ChunkIndex: 1, TotalChunks: 3, OriginalName: "a.bin",
		BlobKey: "chunks/k1/1-again", Size: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "chunks/k1/1", prev)

	chunks, err := s.Chunks(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "chunks/k1/1-again", chunks[1].BlobKey)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
	assert.Equal(t, int64(7), chunks[1].Size)

	n, err := s.CountChunks(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.DeleteChunks(ctx, "k1"))
	chunks, err = s.Chunks(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestStaleUploadKeys(t *testing.T) {
	db := storetest.OpenDB(t)
	s := store.New(db, time.Second)
	ctx := context.Background()

	for _, key := range []string{"old", "new"} {
		_, err := s.SaveChunk(ctx, &models.UploadChunk{UploadKey: key, ChunkIndex: 0, TotalChunks: 2, OriginalName: key, BlobKey: "chunks/" + key + "/0"})
		require.NoError(t, err)
	}
	require.NoError(t, db.Model(&models.UploadChunk{}).Where("upload_key = ?", "old").
		UpdateColumn("updated_at", time.Now().UTC().Add(-48*time.Hour)).Error)

	keys, err := s.StaleUploadKeys(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, keys)
}

func TestPing(t *testing.T) {
	s := storetest.New(t)
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "metadata-db", s.Name())
}

func TestPing_ClosedDatabaseIsUnavailableOrStorage(t *testing.T) {
	db := storetest.OpenDB(t)
	s := store.New(db, time.Second)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = s.Ping(context.Background())
	require.Error(t, err)
	kind := apperr.KindOf(err)
	assert.True(t, kind == apperr.KindUnavailable || kind == apperr.KindStorage, kind.String())
}

func TestClassifyConnectionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"deadline", context.DeadlineExceeded, apperr.KindUnavailable},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, apperr.KindUnavailable},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, apperr.KindUnavailable},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, apperr.KindStorage},
		{"other", errors.New("syntax"), apperr.KindStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.KindOf(store.Classify(tt.err)))
		})
	}
}
