package store

import (
	"context"
	"errors"
	"slices"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/basit/qrshare-backend/models"
)

// DeviceHistory returns the stored file ids for a device; unknown devices
// have an empty history.
func (s *Store) DeviceHistory(ctx context.Context, deviceID string) ([]string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var h models.DeviceHistory
	err := db.Where("device_id = ?", deviceID).Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, classify(err, "device history")
	}
	return slices.Clone([]string(h.FileIDs)), nil
}

// UpdateDeviceHistory applies mutate to the device's list under a row lock,
// creating the row on first use, and returns the stored result.
func (s *Store) UpdateDeviceHistory(ctx context.Context, deviceID string, mutate func([]string) []string) ([]string, error) {
	var next []string
	err := s.WithTx(ctx, func(tx *Store) error {
		db, cancel := tx.conn(ctx)
		defer cancel()

		seed := models.DeviceHistory{DeviceID: deviceID, FileIDs: datatypes.JSONSlice[string]{}}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var h models.DeviceHistory
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", deviceID).Take(&h).Error; err != nil {
			return err
		}

		next = mutate(slices.Clone([]string(h.FileIDs)))
		if next == nil {
			next = []string{}
		}
		return db.Model(&models.DeviceHistory{}).Where("device_id = ?", deviceID).
			Update("file_ids", datatypes.JSONSlice[string](next)).Error
	})
	if err != nil {
		return nil, classify(err, "update device history")
	}
	return next, nil
}

// DeleteDeviceHistory removes the device's ledger row; missing rows are fine.
func (s *Store) DeleteDeviceHistory(ctx context.Context, deviceID string) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return classify(db.Where("device_id = ?", deviceID).Delete(&models.DeviceHistory{}).Error, "delete device history")
}
