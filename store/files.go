package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/models"
)

func (s *Store) CreateFile(ctx context.Context, f *models.File) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return classify(db.Create(f).Error, "create file")
}

func (s *Store) FileByStoredName(ctx context.Context, storedName string) (*models.File, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var f models.File
	err := db.Where("stored_name = ?", storedName).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("file %q not found", storedName)
	}
	if err != nil {
		return nil, classify(err, "find file")
	}
	return &f, nil
}

func (s *Store) FileByID(ctx context.Context, id uuid.UUID) (*models.File, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var f models.File
	err := db.First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("file %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "find file")
	}
	return &f, nil
}

// FilesByIDs returns the files that exist among ids, newest first.
func (s *Store) FilesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.File, error) {
	if len(ids) == 0 {
		return []models.File{}, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	files := []models.File{}
	err := db.Where("id IN ?", ids).Order("uploaded_at DESC").Find(&files).Error
	return files, classify(err, "find files")
}

// RecentFiles returns the latest uploads across all devices.
func (s *Store) RecentFiles(ctx context.Context, limit int) ([]models.File, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	files := []models.File{}
	err := db.Order("uploaded_at DESC").Limit(limit).Find(&files).Error
	return files, classify(err, "recent files")
}

// IncrementDownloads bumps the counter in a single UPDATE so concurrent
// downloads never lose an increment.
func (s *Store) IncrementDownloads(ctx context.Context, id uuid.UUID, at time.Time) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	res := db.Model(&models.File{}).Where("id = ?", id).UpdateColumns(map[string]any{
		"download_count":     gorm.Expr("download_count + ?", 1),
		"last_downloaded_at": at,
	})
	if res.Error != nil {
		return classify(res.Error, "increment downloads")
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file %s not found", id)
	}
	return nil
}

func (s *Store) RecordDownload(ctx context.Context, e *models.DownloadEvent) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return classify(db.Create(e).Error, "record download")
}

func (s *Store) CountDownloadEvents(ctx context.Context, fileID uuid.UUID) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var n int64
	err := db.Model(&models.DownloadEvent{}).Where("file_id = ?", fileID).Count(&n).Error
	return n, classify(err, "count downloads")
}

// DeleteFile removes the record and its download events. Device histories
// may still list the id; readers skip ids that no longer resolve.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(tx *Store) error {
		db, cancel := tx.conn(ctx)
		defer cancel()
		if err := db.Where("file_id = ?", id).Delete(&models.DownloadEvent{}).Error; err != nil {
			return err
		}
		return db.Delete(&models.File{}, "id = ?", id).Error
	})
}

// ExpiredFiles returns up to limit files whose retention ended before now.
func (s *Store) ExpiredFiles(ctx context.Context, now time.Time, limit int) ([]models.File, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	files := []models.File{}
	err := db.Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at").Limit(limit).Find(&files).Error
	return files, classify(err, "expired files")
}
