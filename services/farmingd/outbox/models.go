package outbox

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status tracks a transfer through delivery.
type Status string

const (
	// StatusPending rows have never been handed to the token endpoint.
	StatusPending Status = "pending"
	// StatusSent rows were accepted by the endpoint and await completion.
	StatusSent Status = "sent"
	// StatusCompleted rows were confirmed by a completion callback.
	StatusCompleted Status = "completed"
	// StatusFailed rows failed delivery or were reported failed; they are
	// retried while under the attempt cap.
	StatusFailed Status = "failed"
)

// Transfer is one outbound asset movement requested by the engine.
type Transfer struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Fingerprint string    `gorm:"size:64;index"`
	Asset       string    `gorm:"index;not null"`
	Receiver    string    `gorm:"index;not null"`
	Amount      string    `gorm:"not null"`
	Reason      string    `gorm:"index"`
	FarmID      uint64
	Status      Status `gorm:"index;not null"`
	Attempts    int
	LastError   string
	SentAt      *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IdempotencyKey stores the first response produced for a client-supplied
// Idempotency-Key so retried API calls are not applied twice. Status is zero
// while the first request is still running.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey"`
	Caller    string `gorm:"index"`
	Method    string
	Path      string
	Status    int
	Response  string
	CreatedAt time.Time
}

// AutoMigrate creates or updates the outbox tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Transfer{}, &IdempotencyKey{})
}
