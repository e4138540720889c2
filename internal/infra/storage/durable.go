package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crypto_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var errNotConnected = errors.New("not connected")

// RecordRow is the persisted form of the latest record per category and key.
type RecordRow struct {
	ID             uint                `gorm:"primaryKey"`
	Category       string              `gorm:"size:32;uniqueIndex:idx_category_key"`
	RecordKey      string              `gorm:"size:128;uniqueIndex:idx_category_key"`
	Name           string              `gorm:"size:128"`
	Value          decimal.Decimal     `gorm:"type:text"`
	Change24h      decimal.Decimal     `gorm:"column:change24h;type:text"`
	Volume24h      decimal.NullDecimal `gorm:"column:volume24h;type:text"`
	MarketCap      decimal.NullDecimal `gorm:"column:market_cap;type:text"`
	Chain          string              `gorm:"size:64"`
	Holders        *int64
	Classification string `gorm:"size:64"`
	Synthetic      bool
	LastUpdate     time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

// TableName overrides the gorm default.
func (RecordRow) TableName() string { return "feed_records" }

func toRow(r domain.FeedRecord) RecordRow {
	row := RecordRow{
		Category:       string(r.Category),
		RecordKey:      r.Key,
		Name:           r.Name,
		Value:          r.Value,
		Change24h:      r.Change24h,
		Chain:          r.Chain,
		Holders:        r.Holders,
		Classification: r.Classification,
		Synthetic:      r.Synthetic,
		LastUpdate:     r.LastUpdate.UTC(),
	}
	if r.Volume24h != nil {
		row.Volume24h = decimal.NewNullDecimal(*r.Volume24h)
	}
	if r.MarketCap != nil {
		row.MarketCap = decimal.NewNullDecimal(*r.MarketCap)
	}
	return row
}

func (row RecordRow) toRecord() domain.FeedRecord {
	r := domain.FeedRecord{
		Category:       domain.Category(row.Category),
		Key:            row.RecordKey,
		Name:           row.Name,
		Value:          row.Value,
		Change24h:      row.Change24h,
		Chain:          row.Chain,
		Holders:        row.Holders,
		Classification: row.Classification,
		Synthetic:      row.Synthetic,
		LastUpdate:     row.LastUpdate,
	}
	if row.Volume24h.Valid {
		v := row.Volume24h.Decimal
		r.Volume24h = &v
	}
	if row.MarketCap.Valid {
		v := row.MarketCap.Decimal
		r.MarketCap = &v
	}
	return r
}

// DurableStore persists records through gorm on SQLite or PostgreSQL.
// The connection is opened lazily by Connect so a store that is down at
// startup can be retried by the gateway.
type DurableStore struct {
	driver string
	dsn    string

	mu sync.RWMutex
	db *gorm.DB
}

// NewDurableStore creates an unconnected store.
func NewDurableStore(driver, dsn string) *DurableStore {
	return &DurableStore{driver: driver, dsn: dsn}
}

// Connect opens the database and migrates the schema. It is a no-op when already open.
func (s *DurableStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var dialector gorm.Dialector
	switch s.driver {
	case "postgres":
		dialector = postgres.Open(s.dsn)
	case "sqlite", "":
		if dir := filepath.Dir(s.dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(s.dsn)
	default:
		return fmt.Errorf("unsupported driver %q", s.driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&RecordRow{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	return nil
}

func (s *DurableStore) conn() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errNotConnected
	}
	return s.db, nil
}

// Ping checks the underlying connection pool.
func (s *DurableStore) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveRecords upserts the latest value of each record.
func (s *DurableStore) SaveRecords(ctx context.Context, records []domain.FeedRecord) error {
	if len(records) == 0 {
		return nil
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	rows := make([]RecordRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, toRow(r))
	}

	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "category"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "value", "change24h", "volume24h", "market_cap", "chain",
			"holders", "classification", "synthetic", "last_update", "updated_at",
		}),
	}).Create(&rows).Error
}

// LatestRecords returns the stored records of a category ordered by key.
func (s *DurableStore) LatestRecords(ctx context.Context, category domain.Category) ([]domain.FeedRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var rows []RecordRow
	if err := db.WithContext(ctx).
		Where("category = ?", string(category)).
		Order("record_key").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]domain.FeedRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// Close releases the connection pool.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
