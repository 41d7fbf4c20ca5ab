package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/auth/middleware"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/services"
)

const (
	passwordHeader = "X-File-Password"
	// multipart framing allowance on top of the file size limit
	formOverhead = 1 << 20
)

// deviceFrom prefers the identity header, then the named form or JSON value.
func deviceFrom(c *gin.Context, fallback string) string {
	if id := middleware.DeviceID(c); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

func (h *Handler) limitBody(c *gin.Context) {
	max := h.uploads.Policy().MaxBytes + formOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
}

func (h *Handler) respondUploaded(c *gin.Context, f *models.File) {
	link, err := h.publisher.Publish(origin(c), f.StoredName)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.KindInternal, "failed to generate QR code", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file": f, "qrCode": link.QRCode, "url": link.URL})
}

func formFileError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("request body is too large")
	}
	return apperr.Validation("no file uploaded")
}

func (h *Handler) UploadFile(c *gin.Context) {
	h.limitBody(c)
	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, formFileError(err))
		return
	}
	src, err := header.Open()
	if err != nil {
		h.fail(c, apperr.Storage("failed to read upload", err))
		return
	}
	defer src.Close()

	f, err := h.uploads.ReceiveSingleUpload(c.Request.Context(), services.SingleUpload{
		Body:     src,
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		DeviceID: deviceFrom(c, c.PostForm("deviceId")),
		Password: c.PostForm("password"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondUploaded(c, f)
}

func (h *Handler) UploadChunk(c *gin.Context) {
	h.limitBody(c)
	header, err := c.FormFile("chunk")
	if err != nil {
		h.fail(c, formFileError(err))
		return
	}
	index, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		h.fail(c, apperr.Validation("chunkIndex must be a number"))
		return
	}
	total, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil {
		h.fail(c, apperr.Validation("totalChunks must be a number"))
		return
	}
	src, err := header.Open()
	if err != nil {
		h.fail(c, apperr.Storage("failed to read chunk", err))
		return
	}
	defer src.Close()

	ack, err := h.uploads.ReceiveChunk(c.Request.Context(), services.Chunk{
		Body:         src,
		Index:        index,
		Total:        total,
		OriginalName: c.PostForm("originalName"),
		DeviceID:     deviceFrom(c, c.PostForm("deviceId")),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

type mergeBody struct {
	OriginalName string `json:"originalName" binding:"required"`
	TotalChunks  int    `json:"totalChunks" binding:"required"`
	DeviceID     string `json:"deviceId"`
	MimeType     string `json:"mimeType"`
	Password     string `json:"password"`
}

func (h *Handler) MergeChunks(c *gin.Context) {
	var body mergeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperr.Validation("originalName and totalChunks are required"))
		return
	}
	f, err := h.uploads.MergeChunks(c.Request.Context(), services.MergeRequest{
		OriginalName: body.OriginalName,
		TotalChunks:  body.TotalChunks,
		DeviceID:     deviceFrom(c, body.DeviceID),
		MimeType:     body.MimeType,
		Password:     body.Password,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondUploaded(c, f)
}

func (h *Handler) RecentFiles(c *gin.Context) {
	files, err := h.gateway.Recent(c.Request.Context(), h.recentLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (h *Handler) DeviceRecentFiles(c *gin.Context) {
	files, err := h.ledger.History(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (h *Handler) RemoveRecentEntry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("fileId"))
	if err != nil {
		h.fail(c, apperr.Validation("invalid file id"))
		return
	}
	if err := h.ledger.RemoveEntry(c.Request.Context(), c.Param("deviceId"), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File removed from recent history"})
}

func (h *Handler) DownloadFile(c *gin.Context) {
	cred := services.Credentials{
		Password: c.GetHeader(passwordHeader),
		Token:    c.Query("token"),
	}
	meta := services.DownloadMeta{
		DeviceID:  middleware.DeviceID(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	_, err := h.gateway.Serve(c.Request.Context(), c.Param("storedName"), cred, meta, func(f *models.File) io.Writer {
		c.Header("Content-Type", contentType(f.MimeType))
		c.Header("Content-Length", strconv.FormatInt(f.Size, 10))
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.OriginalName}))
		c.Header("Cache-Control", "no-store")
		c.Status(http.StatusOK)
		return c.Writer
	})
	if err == nil {
		return
	}
	if c.Writer.Written() {
		// headers are gone; all that is left is to record why the stream ended
		h.log.Warn("download ended early", "stored_name", c.Param("storedName"), "error", err)
		_ = c.Error(err)
		c.Abort()
		return
	}
	for _, k := range []string{"Content-Type", "Content-Length", "Content-Disposition"} {
		c.Writer.Header().Del(k)
	}
	h.fail(c, err)
}

func contentType(m string) string {
	if m == "" {
		return "application/octet-stream"
	}
	return m
}

type unlockBody struct {
	Password string `json:"password"`
}

func (h *Handler) UnlockFile(c *gin.Context) {
	var body unlockBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Password == "" {
		h.fail(c, apperr.Validation("password is required"))
		return
	}
	token, exp, err := h.gateway.Unlock(c.Request.Context(), c.Param("storedName"), body.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": exp,
		"url":       fmt.Sprintf("%s?token=%s", services.DownloadURL(origin(c), c.Param("storedName")), token),
	})
}

func (h *Handler) FileInfo(c *gin.Context) {
	f, err := h.gateway.Info(c.Request.Context(), c.Param("storedName"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) FileQRCode(c *gin.Context) {
	f, err := h.gateway.Info(c.Request.Context(), c.Param("storedName"))
	if err != nil {
		h.fail(c, err)
		return
	}
	png, err := h.publisher.QRCodePNG(origin(c), f.StoredName)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.KindInternal, "failed to generate QR code", err))
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

type deviceFilesBody struct {
	FileIDs []string `json:"fileIds"`
}

func (h *Handler) DeviceFiles(c *gin.Context) {
	var body deviceFilesBody
	if err := c.ShouldBindJSON(&body); err != nil || body.FileIDs == nil {
		h.fail(c, apperr.Validation("fileIds must be an array"))
		return
	}
	files, err := h.ledger.ResolveFiles(c.Request.Context(), body.FileIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

type addToRecentBody struct {
	FileID  string   `json:"fileId"`
	FileIDs []string `json:"fileIds"`
}

func (h *Handler) AddToRecent(c *gin.Context) {
	var body addToRecentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperr.Validation("fileId is required"))
		return
	}
	refs := body.FileIDs
	if body.FileID != "" {
		refs = append(refs, body.FileID)
	}
	if len(refs) == 0 {
		h.fail(c, apperr.Validation("fileId is required"))
		return
	}
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		id, err := uuid.Parse(ref)
		if err != nil {
			h.fail(c, apperr.Validation("invalid file id %q", ref))
			return
		}
		ids = append(ids, id)
	}
	if err := h.ledger.AddToRecent(c.Request.Context(), c.Param("deviceId"), ids...); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File added to recent history"})
}

type clearHistoryBody struct {
	DeviceID string `json:"deviceId"`
}

func (h *Handler) ClearRecentHistory(c *gin.Context) {
	var body clearHistoryBody
	_ = c.ShouldBindJSON(&body)
	// the device named in the body is the one being cleared
	deviceID := strings.TrimSpace(body.DeviceID)
	if deviceID == "" {
		deviceID = middleware.DeviceID(c)
	}
	if err := h.ledger.Clear(c.Request.Context(), deviceID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Recent history cleared successfully"})
}

// MarkAllRead acknowledges the client; read state lives on the client.
func (h *Handler) MarkAllRead(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "All files marked as read"})
}
