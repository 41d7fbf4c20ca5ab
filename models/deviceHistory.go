package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceHistory is a device's most-recent-first list of file ids.
// It holds identifiers only; the files themselves belong to the file table.
type DeviceHistory struct {
	DeviceID  string                      `gorm:"primaryKey;size:128"`
	FileIDs   datatypes.JSONSlice[string] `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
