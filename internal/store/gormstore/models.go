package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCredits is the
// materialized sum of the account's transaction deltas.
type Account struct {
	AccountID          string    `gorm:"type:uuid;primaryKey"`
	UserID             string    `gorm:"not null;index:uniq_accounts_user,unique"`
	BalanceCredits     int64     `gorm:"not null;default:0"`
	ProviderCustomerID string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerTransaction mirrors the ledger_transactions table. Rows are
// append-only; ExternalEventID carries the provider event id and its
// unique index is the idempotency guarantee for webhook-driven writes.
type LedgerTransaction struct {
	TransactionID   string         `gorm:"type:uuid;primaryKey"`
	AccountID       string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	DeltaCredits    int64          `gorm:"not null"`
	Reason          string         `gorm:"not null"`
	ExternalEventID *string        `gorm:"index:uniq_transactions_external_event,unique"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent mirrors the processed_events table, the registry of
// webhook deliveries that have already been handled.
type ProcessedEvent struct {
	Provider   string    `gorm:"primaryKey"`
	EventID    string    `gorm:"primaryKey"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
