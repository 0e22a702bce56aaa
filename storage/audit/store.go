// Package audit persists RPC audit rows, idempotent responses and signed
// request nonces. SQLite backs single-node deployments; a postgres:// DSN
// selects PostgreSQL.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"deedescrow/rpc/auth"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

type idempotencyRecord struct {
	Caller      string `gorm:"primaryKey;size:128"`
	Key         string `gorm:"column:idempotency_key;primaryKey;size:256"`
	RequestHash string `gorm:"not null"`
	Status      int    `gorm:"column:response_status;not null"`
	Body        []byte `gorm:"column:response_body"`
	CreatedAt   time.Time
}

func (idempotencyRecord) TableName() string { return "idempotency_keys" }

type auditRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	RequestID  string    `gorm:"uniqueIndex;size:64;not null"`
	OccurredAt time.Time `gorm:"index;not null"`
	Caller     string    `gorm:"size:128;not null"`
	Method     string    `gorm:"index;size:64;not null"`
	Params     string
	Status     int `gorm:"not null"`
	ErrorText  string
}

func (auditRecord) TableName() string { return "audit_log" }

type nonceRecord struct {
	Caller     string    `gorm:"primaryKey;size:128"`
	Timestamp  string    `gorm:"primaryKey;size:32"`
	Nonce      string    `gorm:"primaryKey;size:128"`
	ObservedAt time.Time `gorm:"index;not null"`
}

func (nonceRecord) TableName() string { return "rpc_nonces" }

// Store manages audit, idempotency and nonce tables.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn and migrates the schema. A postgres:// or
// postgresql:// DSN selects PostgreSQL; anything else is a SQLite path, and
// ":memory:" is accepted for tests.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("audit database path required")
	}
	var dialector gorm.Dialector
	sqliteBackend := !isPostgresDSN(trimmed)
	if sqliteBackend {
		dialector = sqlite.Open(trimmed)
	} else {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if sqliteBackend {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// ":memory:" databases are per connection.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&idempotencyRecord{}, &auditRecord{}, &nonceRecord{}); err != nil {
		store := &Store{db: db}
		_ = store.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for caller+key, nil when the
// key is unused, or ErrIdempotencyMismatch when the request differs.
func (s *Store) LookupIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	var rec idempotencyRecord
	err := s.db.WithContext(ctx).Where("caller = ? AND idempotency_key = ?", caller, key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: rec.Status, Body: rec.Body}, nil
}

// SaveIdempotency caches a response under caller+key.
func (s *Store) SaveIdempotency(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	rec := idempotencyRecord{
		Caller:      caller,
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Body:        body,
		CreatedAt:   s.now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// Entry is one audit row.
type Entry struct {
	RequestID  string    `json:"requestId"`
	OccurredAt time.Time `json:"occurredAt"`
	Caller     string    `json:"caller"`
	Method     string    `json:"method"`
	Params     string    `json:"params,omitempty"`
	Status     int       `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Insert appends entry, assigning a request id and timestamp when missing.
// The stored entry is returned.
func (s *Store) Insert(ctx context.Context, entry Entry) (Entry, error) {
	if entry.RequestID == "" {
		entry.RequestID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now()
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	rec := auditRecord{
		RequestID:  entry.RequestID,
		OccurredAt: entry.OccurredAt,
		Caller:     entry.Caller,
		Method:     entry.Method,
		Params:     entry.Params,
		Status:     entry.Status,
		ErrorText:  entry.Error,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Entry{}, fmt.Errorf("insert audit row: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit rows, newest first. A non-empty method filters
// by JSON-RPC method.
func (s *Store) Recent(ctx context.Context, method string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&auditRecord{})
	if method = strings.TrimSpace(method); method != "" {
		query = query.Where("method = ?", method)
	}
	var rows []auditRecord
	if err := query.Order("occurred_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			RequestID:  row.RequestID,
			OccurredAt: row.OccurredAt,
			Caller:     row.Caller,
			Method:     row.Method,
			Params:     row.Params,
			Status:     row.Status,
			Error:      row.ErrorText,
		})
	}
	return entries, nil
}

// EnsureNonce records a nonce, reporting whether it had been seen before.
func (s *Store) EnsureNonce(ctx context.Context, record auth.NonceRecord) (bool, error) {
	if record.Caller == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if record.ObservedAt.IsZero() {
		observed = s.now().UTC()
	}
	rec := nonceRecord{Caller: record.Caller, Timestamp: record.Timestamp, Nonce: record.Nonce, ObservedAt: observed}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("record nonce: %w", res.Error)
	}
	return res.RowsAffected == 0, nil
}

// RecentNonces returns nonces observed at or after cutoff.
func (s *Store) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	var rows []nonceRecord
	err := s.db.WithContext(ctx).Where("observed_at >= ?", cutoff.UTC()).Order("observed_at").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]auth.NonceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, auth.NonceRecord{
			Caller:     row.Caller,
			Timestamp:  row.Timestamp,
			Nonce:      row.Nonce,
			ObservedAt: row.ObservedAt,
		})
	}
	return records, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (s *Store) PruneNonces(ctx context.Context, cutoff time.Time) error {
	return s.db.WithContext(ctx).Where("observed_at < ?", cutoff.UTC()).Delete(&nonceRecord{}).Error
}

var _ auth.NoncePersistence = (*Store)(nil)
