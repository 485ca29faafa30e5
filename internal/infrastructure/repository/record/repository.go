package record

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/database/entities"
	"jan-server/services/upload-api/internal/utils/platformerrors"
)

// Store reads and updates upload records over one leased connection.
type Store struct {
	db         *gorm.DB
	optimistic bool
	invalidate func()
}

// NewStore binds a store to db. invalidate, if set, is called when the
// connection turns out to be broken.
func NewStore(db *gorm.DB, optimistic bool, invalidate func()) *Store {
	return &Store{db: db, optimistic: optimistic, invalidate: invalidate}
}

// Authorize loads the record and checks requesterID owns it.
func (s *Store) Authorize(ctx context.Context, recordID, requesterID string) (*upload.Record, error) {
	var entity entities.UploadRecord
	err := s.db.WithContext(ctx).Where("id = ?", recordID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("record %s: %w", recordID, upload.ErrRecordNotFound)
		}
		s.checkConn(err)
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to load upload record",
			err,
			"4f1c2a7e-8d3b-4e6a-9c5f-1b2d3e4f5a60",
		)
	}
	if entity.OwnerID != requesterID {
		return nil, fmt.Errorf("record %s: %w", recordID, upload.ErrForbidden)
	}
	rec := mapEntity(entity)
	return &rec, nil
}

// AttachMedia points the record at the stored object. Without optimistic
// locking the last write wins; with it the update only applies to the
// version read during validation.
func (s *Store) AttachMedia(ctx context.Context, rec *upload.Record, att upload.Attachment) error {
	updates := map[string]any{
		"media_key":          att.Ref.Key,
		"media_provider":     att.Ref.Provider,
		"media_content_type": att.Ref.ContentType,
		"media_bytes":        att.Ref.Size,
		"media_session_id":   att.SessionID,
		"version":            gorm.Expr("version + 1"),
		"updated_at":         time.Now().UTC(),
	}

	query := s.db.WithContext(ctx).Model(&entities.UploadRecord{}).Where("id = ?", rec.ID)
	if s.optimistic {
		query = query.Where("version = ?", att.ExpectedVersion)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		s.checkConn(result.Error)
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to attach media to upload record",
			result.Error,
			"8a6b5c4d-3e2f-4a1b-9c8d-7e6f5a4b3c21",
		)
	}
	if result.RowsAffected == 0 {
		if s.optimistic {
			return fmt.Errorf("record %s at version %d: %w", rec.ID, att.ExpectedVersion, upload.ErrConflict)
		}
		return fmt.Errorf("record %s: %w", rec.ID, upload.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) checkConn(err error) {
	if s.invalidate == nil {
		return
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		s.invalidate()
	}
}

func mapEntity(e entities.UploadRecord) upload.Record {
	return upload.Record{
		ID:        e.ID,
		OwnerID:   e.OwnerID,
		MediaKey:  e.MediaKey,
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
	}
}
