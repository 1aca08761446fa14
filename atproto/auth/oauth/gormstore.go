package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQL-backed [StateStore] using gorm. Works with postgres (production) and sqlite (development, tests).
//
// Takes are an atomic conditional UPDATE on the consumed timestamp, so at most one caller wins for a given state, across instances.
type GormStore struct {
	db  *gorm.DB
	TTL time.Duration
}

var _ StateStore = &GormStore{}

type authRequestRow struct {
	State      string `gorm:"primaryKey"`
	Data       []byte
	CreatedAt  time.Time `gorm:"index"`
	ConsumedAt *time.Time
}

func (authRequestRow) TableName() string {
	return "oauth_auth_requests"
}

// Creates the store, and migrates the table schema.
func NewGormStore(db *gorm.DB, ttl time.Duration) (*GormStore, error) {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if err := db.AutoMigrate(&authRequestRow{}); err != nil {
		return nil, fmt.Errorf("migrating auth request table: %w", err)
	}
	return &GormStore{db: db, TTL: ttl}, nil
}

func (s *GormStore) SaveAuthRequest(ctx context.Context, info AuthRequestData) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	info.CreatedAt = info.CreatedAt.UTC()
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	row := authRequestRow{
		State:     info.State,
		Data:      b,
		CreatedAt: info.CreatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("saving auth request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *GormStore) TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.TTL)

	// compare-and-consume: only one concurrent caller can flip consumed_at from NULL
	res := s.db.WithContext(ctx).Model(&authRequestRow{}).
		Where("state = ? AND consumed_at IS NULL AND created_at > ?", state, cutoff).
		Update("consumed_at", now)
	if res.Error != nil {
		return nil, fmt.Errorf("taking auth request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrStateNotFound
	}

	var row authRequestRow
	if err := s.db.WithContext(ctx).Where("state = ?", state).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("loading auth request: %w", err)
	}
	var info AuthRequestData
	if err := json.Unmarshal(row.Data, &info); err != nil {
		return nil, fmt.Errorf("corrupt auth request record: %w", err)
	}
	return &info, nil
}

// Deletes consumed and expired rows. Returns the number of rows removed.
func (s *GormStore) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.TTL)
	res := s.db.WithContext(ctx).
		Where("consumed_at IS NOT NULL OR created_at <= ?", cutoff).
		Delete(&authRequestRow{})
	return res.RowsAffected, res.Error
}
