package services

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/models"
	"github.com/basit/qrshare-backend/store"
)

// Ledger keeps each device's capped, most-recent-first list of file ids.
// Mutations for one device are serialised; different devices never wait on
// each other.
type Ledger struct {
	store *store.Store
	limit int
	locks *KeyedMutex
	log   *slog.Logger
}

func NewLedger(st *store.Store, limit int, log *slog.Logger) *Ledger {
	return &Ledger{
		store: st,
		limit: limit,
		locks: NewKeyedMutex(),
		log:   log.With("component", "ledger"),
	}
}

func (l *Ledger) Limit() int { return l.limit }

// PromoteToFront puts id at position 0, drops an older occurrence of it and
// keeps at most limit entries. The relative order of the rest is unchanged.
func PromoteToFront(ids []string, id string, limit int) []string {
	out := make([]string, 0, min(len(ids)+1, limit))
	out = append(out, id)
	for _, existing := range ids {
		if len(out) >= limit {
			break
		}
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// PromoteAll applies PromoteToFront for each id in arrival order, so the last
// id ends up first.
func PromoteAll(ids []string, added []string, limit int) []string {
	for _, id := range added {
		ids = PromoteToFront(ids, id, limit)
	}
	return ids
}

func (l *Ledger) lock(deviceID string) func() {
	return l.locks.Lock(deviceID)
}

// record must run with the device lock held.
func (l *Ledger) record(ctx context.Context, st *store.Store, deviceID string, fileIDs ...uuid.UUID) error {
	added := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		added[i] = id.String()
	}
	_, err := st.UpdateDeviceHistory(ctx, deviceID, func(ids []string) []string {
		return PromoteAll(ids, added, l.limit)
	})
	return err
}

// RecordUpload puts fileID at the head of the device's history.
func (l *Ledger) RecordUpload(ctx context.Context, deviceID string, fileID uuid.UUID) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	unlock := l.lock(deviceID)
	defer unlock()
	return l.record(ctx, l.store, deviceID, fileID)
}

// AddToRecent records existing files in the given order; unknown ids fail
// the whole call with NotFound.
func (l *Ledger) AddToRecent(ctx context.Context, deviceID string, fileIDs ...uuid.UUID) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	if len(fileIDs) == 0 {
		return apperr.Validation("fileId is required")
	}
	found, err := l.store.FilesByIDs(ctx, fileIDs)
	if err != nil {
		return err
	}
	known := make(map[uuid.UUID]bool, len(found))
	for _, f := range found {
		known[f.ID] = true
	}
	for _, id := range fileIDs {
		if !known[id] {
			return apperr.NotFound("file %s not found", id)
		}
	}

	unlock := l.lock(deviceID)
	defer unlock()
	return l.record(ctx, l.store, deviceID, fileIDs...)
}

// History resolves the device's list in stored order. Ids whose file is gone
// are skipped; an unknown device has an empty history.
func (l *Ledger) History(ctx context.Context, deviceID string) ([]models.File, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	refs, err := l.store.DeviceHistory(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		id, err := uuid.Parse(ref)
		if err != nil {
			l.log.Warn("skipping malformed history entry", "device_id", deviceID, "ref", ref)
			continue
		}
		ids = append(ids, id)
	}

	files, err := l.store.FilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.File, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	out := make([]models.File, 0, len(ids))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// Clear drops the device's ledger entry. Clearing an unknown device is a no-op.
func (l *Ledger) Clear(ctx context.Context, deviceID string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	unlock := l.lock(deviceID)
	defer unlock()
	return l.store.DeleteDeviceHistory(ctx, deviceID)
}

// RemoveEntry drops one id and leaves the others in place.
func (l *Ledger) RemoveEntry(ctx context.Context, deviceID string, fileID uuid.UUID) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	unlock := l.lock(deviceID)
	defer unlock()

	refs, err := l.store.DeviceHistory(ctx, deviceID)
	if err != nil {
		return err
	}
	target := fileID.String()
	if !slices.Contains(refs, target) {
		return nil
	}
	_, err = l.store.UpdateDeviceHistory(ctx, deviceID, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == target })
	})
	return err
}

// ResolveFiles looks up a client-held list of ids, newest upload first.
// Ids that no longer exist are left out.
func (l *Ledger) ResolveFiles(ctx context.Context, refs []string) ([]models.File, error) {
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		id, err := uuid.Parse(ref)
		if err != nil {
			return nil, apperr.Validation("invalid file id %q", ref)
		}
		ids = append(ids, id)
	}
	return l.store.FilesByIDs(ctx, ids)
}
