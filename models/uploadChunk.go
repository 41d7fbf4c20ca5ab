package models

import "time"

// UploadChunk indexes one received chunk of an in-flight chunked upload.
// Chunks of one logical upload share an UploadKey; the bytes live in the
// blob store under BlobKey.
type UploadChunk struct {
	UploadKey    string `gorm:"primaryKey;size:64"`
	ChunkIndex   int    `gorm:"primaryKey;autoIncrement:false"`
	TotalChunks  int    `gorm:"not null"`
	OriginalName string `gorm:"not null"`
	DeviceID     string
	BlobKey      string `gorm:"not null"`
	Size         int64  `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
}
