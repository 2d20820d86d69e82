// Package outbox persists the engine's outbound transfer requests and
// delivers them to the token endpoint after the originating call commits.
package outbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"yieldfarm/native/common"
	"yieldfarm/native/farming"
)

var (
	// ErrNotFound is returned when a transfer id is unknown.
	ErrNotFound = errors.New("outbox: transfer not found")
	// ErrInvalidTransition is returned when a completion arrives for a row
	// that is not awaiting one.
	ErrInvalidTransition = errors.New("outbox: transfer is not awaiting completion")
)

// Open connects to the outbox database using the configured driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("outbox: unsupported driver %q", driver)
	}
}

// Store reads and writes transfer rows.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore migrates db and returns a store over it.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("outbox: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *gorm.DB { return s.db }

// Fingerprint digests the fields the token endpoint acts on. The endpoint
// receives it alongside the payload to detect tampering in transit.
func Fingerprint(id uuid.UUID, req farming.TransferRequest) string {
	canonical := strings.Join([]string{
		id.String(),
		req.Asset,
		req.Receiver,
		common.FormatAmount(req.Amount),
		req.Reason,
		strconv.FormatUint(req.FarmID, 10),
	}, "\n")
	sum := blake3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Enqueue records req as a pending transfer, keeping req.ID when set.
func (s *Store) Enqueue(ctx context.Context, req farming.TransferRequest) (*Transfer, error) {
	if strings.TrimSpace(req.Asset) == "" || strings.TrimSpace(req.Receiver) == "" {
		return nil, errors.New("outbox: asset and receiver are required")
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, errors.New("outbox: amount must be positive")
	}
	id := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			return nil, fmt.Errorf("outbox: transfer id: %w", err)
		}
		id = parsed
	}
	now := s.now()
	transfer := &Transfer{
		ID:          id,
		Fingerprint: Fingerprint(id, req),
		Asset:       req.Asset,
		Receiver:    req.Receiver,
		Amount:      req.Amount.Dec(),
		Reason:      req.Reason,
		FarmID:      req.FarmID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return transfer, nil
}

// Get loads a transfer by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	var transfer Transfer
	err := s.db.WithContext(ctx).First(&transfer, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// Due returns pending rows plus failed rows still under maxAttempts, oldest
// first.
func (s *Store) Due(ctx context.Context, maxAttempts, limit int) ([]Transfer, error) {
	var rows []Transfer
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND attempts < ?)", StatusPending, StatusFailed, maxAttempts).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkSent records a successful hand-off to the endpoint.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&Transfer{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusSent,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
		"sent_at":    now,
		"updated_at": now,
	}).Error
}

// MarkFailed records a failed delivery attempt.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&Transfer{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusFailed,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
		"updated_at": s.now(),
	}).Error
}

// Complete applies the token endpoint's final verdict to a sent transfer.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, success bool, reason string) (*Transfer, error) {
	var updated *Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer Transfer
		if err := tx.First(&transfer, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if transfer.Status != StatusSent {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, transfer.Status)
		}
		now := s.now()
		transfer.UpdatedAt = now
		if success {
			transfer.Status = StatusCompleted
			transfer.CompletedAt = &now
			transfer.LastError = ""
		} else {
			transfer.Status = StatusFailed
			transfer.LastError = strings.TrimSpace(reason)
		}
		err := tx.Model(&Transfer{}).Where("id = ?", id).Updates(map[string]any{
			"status":       transfer.Status,
			"completed_at": transfer.CompletedAt,
			"last_error":   transfer.LastError,
			"updated_at":   now,
		}).Error
		if err != nil {
			return err
		}
		updated = &transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Prune deletes completed rows last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusCompleted, cutoff).
		Delete(&Transfer{})
	return res.RowsAffected, res.Error
}

// CountOpen counts rows not yet completed.
func (s *Store) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Transfer{}).Where("status <> ?", StatusCompleted).Count(&n).Error
	return n, err
}
