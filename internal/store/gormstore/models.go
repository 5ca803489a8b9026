package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account carries the per-account lock row and the running per-pool counters.
// The counters move in the same transaction as every completed event insert
// but are read only by reconciliation; the event fold stays authoritative.
type Account struct {
	AccountID          string    `gorm:"primaryKey"`
	AdvertisingCounter int64     `gorm:"not null;default:0"`
	RewardCounter      int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// TransactionEvent mirrors the transaction_events table. Rows are append-only;
// the unique index on (account_id, kind, external_ref) is the idempotency
// guard, with NULL refs exempt.
type TransactionEvent struct {
	EventID     string         `gorm:"type:uuid;primaryKey"`
	AccountID   string         `gorm:"not null;index:idx_events_account_created,priority:1;index:uniq_events_account_kind_ref,unique,priority:1"`
	Kind        string         `gorm:"not null;index:uniq_events_account_kind_ref,unique,priority:2"`
	Amount      int64          `gorm:"not null"`
	Pool        string         `gorm:"not null"`
	Channel     string         `gorm:""`
	ExternalRef *string        `gorm:"index:uniq_events_account_kind_ref,unique,priority:3"`
	Status      string         `gorm:"not null"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_events_account_created,priority:2"`
}

func (TransactionEvent) TableName() string { return "transaction_events" }

func (event *TransactionEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Authorization mirrors the authorizations table. Active unexpired rows count
// against the available balance; expired rows are inert and never reaped.
type Authorization struct {
	TokenID        string    `gorm:"type:uuid;primaryKey"`
	AccountID      string    `gorm:"not null;index:idx_auth_account_pool,priority:1"`
	Pool           string    `gorm:"not null;index:idx_auth_account_pool,priority:2"`
	Channel        string    `gorm:"not null"`
	UnitCost       int64     `gorm:"not null"`
	TotalCost      int64     `gorm:"not null"`
	RecipientCount int       `gorm:"not null"`
	Status         string    `gorm:"not null"`
	Quote          string    `gorm:"not null;default:'{}'"`
	ExpiresAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Authorization) TableName() string { return "authorizations" }

// PricingRule mirrors the pricing_rules table. Rules are retired by clearing
// active, never deleted, so old quotes stay reproducible.
type PricingRule struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	Category      string    `gorm:"not null"`
	Channel       string    `gorm:"not null;index:idx_rules_channel_active,priority:1"`
	ConditionType string    `gorm:"not null"`
	UnitPrice     int64     `gorm:"not null"`
	Active        bool      `gorm:"not null;default:true;index:idx_rules_channel_active,priority:2"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// ScheduledSend mirrors the scheduled_sends table drained by the worker.
type ScheduledSend struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index"`
	Pool           string         `gorm:"not null"`
	Channel        string         `gorm:"not null"`
	RecipientCount int            `gorm:"not null"`
	Conditions     datatypes.JSON `gorm:"not null"`
	ScheduledAt    time.Time      `gorm:"not null;index:idx_scheduled_status_due,priority:2"`
	Status         string         `gorm:"not null;index:idx_scheduled_status_due,priority:1"`
	ClaimedAt      *time.Time     `gorm:""`
	SentAt         *time.Time     `gorm:""`
	FailureReason  string         `gorm:""`
	UsageEventID   *string        `gorm:""`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (ScheduledSend) TableName() string { return "scheduled_sends" }

func (send *ScheduledSend) BeforeCreate(tx *gorm.DB) error {
	if send.ID == "" {
		send.ID = uuid.NewString()
	}
	return nil
}

// Referral is one upward link of the referral graph.
type Referral struct {
	ReferredAccountID string    `gorm:"primaryKey"`
	ReferrerAccountID string    `gorm:"not null;index"`
	Status            string    `gorm:"not null;default:'active'"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (Referral) TableName() string { return "referrals" }

// Models lists every table for migration.
func Models() []interface{} {
	return []interface{}{
		&Account{},
		&TransactionEvent{},
		&Authorization{},
		&PricingRule{},
		&ScheduledSend{},
		&Referral{},
	}
}
