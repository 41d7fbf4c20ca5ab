package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/auth"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/storage"
	"github.com/basit/qrshare-backend/store"
)

type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Credentials are what a downloader presents for a protected file: the
// password itself or a token from Unlock.
type Credentials struct {
	Password string
	Token    string
}

// DownloadMeta describes who fetched a file, for the download log.
type DownloadMeta struct {
	DeviceID  string
	IPAddress string
	UserAgent string
}

// Gateway serves stored files, gating protected ones and counting downloads.
type Gateway struct {
	store  *store.Store
	blobs  storage.BlobStore
	tokens *auth.DownloadTokens
	log    *slog.Logger
	now    func() time.Time
}

func NewGateway(st *store.Store, blobs storage.BlobStore, tokens *auth.DownloadTokens, log *slog.Logger) *Gateway {
	return &Gateway{
		store:  st,
		blobs:  blobs,
		tokens: tokens,
		log:    log.With("component", "downloads"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve finds a downloadable file. Expired records and records whose
// bytes are gone count as not found.
func (g *Gateway) Resolve(ctx context.Context, storedName string) (*models.File, error) {
	f, err := g.store.FileByStoredName(ctx, storedName)
	if err != nil {
		return nil, err
	}
	if f.Expired(g.now()) {
		return nil, apperr.NotFound("file %q has expired", storedName)
	}
	ok, err := g.blobs.Exists(ctx, f.StoragePath)
	if err != nil {
		return nil, apperr.Storage("failed to check file content", err)
	}
	if !ok {
		return nil, apperr.NotFound("file %q not found", storedName)
	}
	return f, nil
}

// Authorize checks secret against the file's password. Files without a
// password are always allowed.
func (g *Gateway) Authorize(ctx context.Context, storedName, secret string) (Decision, error) {
	f, err := g.store.FileByStoredName(ctx, storedName)
	if err != nil {
		return Denied, err
	}
	return g.checkPassword(f, secret), nil
}

func (g *Gateway) checkPassword(f *models.File, secret string) Decision {
	if f.PasswordHash == nil {
		return Allowed
	}
	if secret == "" {
		return Denied
	}
	err := bcrypt.CompareHashAndPassword([]byte(*f.PasswordHash), []byte(secret))
	if err == nil {
		return Allowed
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		g.log.Error("unusable password hash", "stored_name", f.StoredName, "error", err)
	}
	return Denied
}

func (g *Gateway) authorizeFile(f *models.File, cred Credentials) error {
	if f.PasswordHash == nil {
		return nil
	}
	if cred.Token != "" && g.tokens != nil && g.tokens.Validate(cred.Token, f.StoredName) == nil {
		return nil
	}
	if cred.Password == "" {
		return apperr.Unauthorized("password required")
	}
	if g.checkPassword(f, cred.Password) != Allowed {
		return apperr.Unauthorized("incorrect password")
	}
	return nil
}

// Unlock trades a correct password for a download token.
func (g *Gateway) Unlock(ctx context.Context, storedName, password string) (string, time.Time, error) {
	f, err := g.Resolve(ctx, storedName)
	if err != nil {
		return "", time.Time{}, err
	}
	if g.checkPassword(f, password) != Allowed {
		return "", time.Time{}, apperr.Unauthorized("incorrect password")
	}
	if g.tokens == nil {
		return "", time.Time{}, apperr.New(apperr.KindInternal, "download tokens are not configured")
	}
	token, exp, err := g.tokens.Issue(f.StoredName)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, "failed to issue download token", err)
	}
	return token, exp, nil
}

// Serve streams the file into the writer returned by prepare and counts the
// download once the copy has finished. prepare runs after every check has
// passed, so callers can write headers there. Failed copies leave the
// counter untouched.
func (g *Gateway) Serve(ctx context.Context, storedName string, cred Credentials, meta DownloadMeta, prepare func(*models.File) io.Writer) (*models.File, error) {
	f, err := g.Resolve(ctx, storedName)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeFile(f, cred); err != nil {
		return nil, err
	}

	rc, err := g.blobs.Open(ctx, f.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("file %q not found", storedName)
	}
	if err != nil {
		return nil, apperr.Storage("failed to open file", err)
	}
	defer rc.Close()

	if _, err := io.Copy(prepare(f), rc); err != nil {
		return f, apperr.Storage("download interrupted", err)
	}

	at := g.now()
	event := &models.DownloadEvent{
		FileID:    f.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: at,
	}
	if meta.DeviceID != "" {
		event.DeviceID = &meta.DeviceID
	}
	err = g.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.IncrementDownloads(ctx, f.ID, at); err != nil {
			return err
		}
		return tx.RecordDownload(ctx, event)
	})
	if err != nil {
		g.log.Error("failed to count download", "stored_name", f.StoredName, "error", err)
		return f, err
	}
	f.DownloadCount++
	f.LastDownloadedAt = &at
	return f, nil
}

// Info returns the metadata of a downloadable file.
func (g *Gateway) Info(ctx context.Context, storedName string) (*models.File, error) {
	return g.Resolve(ctx, storedName)
}

// Recent returns the newest uploads across all devices.
func (g *Gateway) Recent(ctx context.Context, limit int) ([]models.File, error) {
	return g.store.RecentFiles(ctx, limit)
}

// DeleteExpired removes up to limit files past their retention, content
// first. Files whose content cannot be removed are kept for the next run.
func (g *Gateway) DeleteExpired(ctx context.Context, limit int) (int, error) {
	files, err := g.store.ExpiredFiles(ctx, g.now(), limit)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, f := range files {
		if err := g.blobs.Delete(ctx, f.StoragePath); err != nil {
			g.log.Warn("failed to remove expired file content", "stored_name", f.StoredName, "error", err)
			continue
		}
		if err := g.store.DeleteFile(ctx, f.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
