package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/basit/qrshare-backend/handlers"
)

func RegisterFileRoutes(r gin.IRouter, h *handlers.Handler) {
	fileGroup := r.Group("/api/files")

	fileGroup.POST("/upload", h.UploadFile)
	fileGroup.POST("/upload-chunk", h.UploadChunk)
	fileGroup.POST("/merge-chunks", h.MergeChunks)

	fileGroup.GET("/recent", h.RecentFiles)
	fileGroup.GET("/recent/:deviceId", h.DeviceRecentFiles)
	fileGroup.DELETE("/recent/:deviceId/:fileId", h.RemoveRecentEntry)
	fileGroup.POST("/device-files", h.DeviceFiles)
	fileGroup.POST("/add-to-recent/:deviceId", h.AddToRecent)
	fileGroup.POST("/clear-recent-history", h.ClearRecentHistory)
	fileGroup.POST("/mark-all-read", h.MarkAllRead)

	fileGroup.GET("/download/:storedName", h.DownloadFile)
	fileGroup.POST("/unlock/:storedName", h.UnlockFile)
	fileGroup.GET("/info/:storedName", h.FileInfo)
	fileGroup.GET("/qr/:storedName", h.FileQRCode)
}

func RegisterSystemRoutes(r gin.IRouter, h *handlers.Handler) {
	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/config", h.ClientConfig)
}
