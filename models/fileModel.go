package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File is one finalized upload. Only DownloadCount and LastDownloadedAt
// change after creation.
type File struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StoredName        string     `gorm:"uniqueIndex;not null" json:"filename"`
	OriginalName      string     `gorm:"not null" json:"originalName"`
	StoragePath       string     `gorm:"not null" json:"-"`
	Size              int64      `gorm:"not null" json:"size"`
	MimeType          string     `json:"mimetype"`
	DownloadCount     int64      `gorm:"not null;default:0" json:"downloadCount"`
	PasswordHash      *string    `json:"-"`
	PasswordProtected bool       `gorm:"not null;default:false" json:"passwordProtected"`
	DeviceID          *string    `gorm:"index" json:"-"`
	UploadedAt        time.Time  `gorm:"index;not null" json:"uploadDate"`
	LastDownloadedAt  *time.Time `json:"lastDownloadedAt,omitempty"`
	ExpiresAt         *time.Time `gorm:"index" json:"expiresAt,omitempty"`
}

func (f *File) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}
	return nil
}

// Expired reports whether the file is past its retention deadline.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}
