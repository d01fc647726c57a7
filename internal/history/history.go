// Package history persists the call log: one record per session that left
// the state machine, whatever the outcome.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vishnenko/ringline/internal/callsession"
)

// CallRecord is one finished call session.
type CallRecord struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallID       string    `gorm:"type:varchar(100);index" json:"call_id"`
	Direction    string    `gorm:"type:varchar(16)" json:"direction"`
	Outcome      string    `gorm:"type:varchar(16);index" json:"outcome"`
	Counterparty string    `gorm:"type:varchar(100)" json:"counterparty"`
	AudioOnly    bool      `json:"audio_only"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// Store writes and reads call records. Record failures are logged and
// swallowed: persistence must never block a state transition.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open initializes the sqlite database at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CallRecord{}); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for other stores sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Record(ctx context.Context, e callsession.HistoryEntry) {
	rec := CallRecord{
		CallID:       e.Call.String(),
		Direction:    e.Direction,
		Outcome:      e.Outcome,
		Counterparty: e.Counterparty,
		AudioOnly:    e.AudioOnly,
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Error("failed to record call", "call_id", e.Call.String(), "error", err)
	}
}

// Recent returns the newest records first, bounded by limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []CallRecord
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
