// Package store persists file metadata, device histories and the chunk index
// through gorm. Every call is bounded by the configured operation timeout so a
// downed database surfaces as apperr.KindUnavailable instead of hanging.
package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

func New(db *gorm.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.timeout <= 0 {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// WithTx runs fn in a transaction; fn must use only the Store it is given.
// Nested calls become savepoints.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, timeout: s.timeout})
	})
	return classify(err, "transaction")
}

// Ping checks that the database answers within the operation timeout.
func (s *Store) Ping(ctx context.Context) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return classify(err, "ping")
	}
	return classify(sqlDB.PingContext(db.Statement.Context), "ping")
}

func (s *Store) Name() string { return "metadata-db" }

// IsReady reports whether the metadata database can serve requests.
func (s *Store) IsReady(ctx context.Context) error { return s.Ping(ctx) }
