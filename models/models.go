package models

// All lists the models migrated at startup.
func All() []any {
	return []any{
		&File{},
		&DownloadEvent{},
		&DeviceHistory{},
		&UploadChunk{},
	}
}
