package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/basit/qrshare-backend/models"
)

// SaveChunk records a received chunk. Re-sending an index replaces the row
// and returns the blob key it pointed at before, if that differs.
func (s *Store) SaveChunk(ctx context.Context, c *models.UploadChunk) (string, error) {
	var superseded string
	err := s.WithTx(ctx, func(tx *Store) error {
		db, cancel := tx.conn(ctx)
		defer cancel()

		var prev []models.UploadChunk
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("upload_key = ? AND chunk_index = ?", c.UploadKey, c.ChunkIndex).
			Limit(1).Find(&prev).Error; err != nil {
			return err
		}
		if len(prev) > 0 && prev[0].BlobKey != c.BlobKey {
			superseded = prev[0].BlobKey
		}
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upload_key"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob_key", "size", "total_chunks", "updated_at"}),
		}).Create(c).Error
	})
	if err != nil {
		return "", classify(err, "save chunk")
	}
	return superseded, nil
}

// Chunks returns the received chunks of one upload in index order.
func (s *Store) Chunks(ctx context.Context, uploadKey string) ([]models.UploadChunk, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	chunks := []models.UploadChunk{}
	err := db.Where("upload_key = ?", uploadKey).Order("chunk_index").Find(&chunks).Error
	return chunks, classify(err, "list chunks")
}

func (s *Store) CountChunks(ctx context.Context, uploadKey string) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var n int64
	err := db.Model(&models.UploadChunk{}).Where("upload_key = ?", uploadKey).Count(&n).Error
	return n, classify(err, "count chunks")
}

func (s *Store) DeleteChunks(ctx context.Context, uploadKey string) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return classify(db.Where("upload_key = ?", uploadKey).Delete(&models.UploadChunk{}).Error, "delete chunks")
}

// StaleUploadKeys returns uploads whose newest chunk is older than before.
func (s *Store) StaleUploadKeys(ctx context.Context, before time.Time) ([]string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	keys := []string{}
	err := db.Model(&models.UploadChunk{}).
		Select("upload_key").
		Group("upload_key").
		Having("MAX(updated_at) < ?", before).
		Scan(&keys).Error
	return keys, classify(err, "stale uploads")
}

// ClaimChunks locks an upload's chunk rows and hands them to ready. When ready
// accepts them the rows are deleted in the same transaction, so only one
// caller can ever claim a given upload.
func (s *Store) ClaimChunks(ctx context.Context, uploadKey string, ready func([]models.UploadChunk) bool) ([]models.UploadChunk, bool, error) {
	var (
		chunks  []models.UploadChunk
		claimed bool
	)
	err := s.WithTx(ctx, func(tx *Store) error {
		db, cancel := tx.conn(ctx)
		defer cancel()

		chunks = []models.UploadChunk{}
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("upload_key = ?", uploadKey).Order("chunk_index").
			Find(&chunks).Error; err != nil {
			return err
		}
		if !ready(chunks) {
			return nil
		}
		if err := db.Where("upload_key = ?", uploadKey).Delete(&models.UploadChunk{}).Error; err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, classify(err, "claim chunks")
	}
	return chunks, claimed, nil
}
