package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The subscription state lives here;
// the credit balance itself is derived from ledger_entries.
type Account struct {
	AccountID             string     `gorm:"type:uuid;primaryKey"`
	UserID                string     `gorm:"not null;index:idx_accounts_user,unique"`
	Tier                  string     `gorm:"not null;default:none"`
	MessageAllowance      int64      `gorm:"not null;default:0"`
	SubscriptionExpiresAt *time.Time `gorm:""`
	CreatedAt             time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:uniq_entry_idem,unique,priority:1"`
	Type           string         `gorm:"not null"`
	AmountCredits  int64          `gorm:"not null"`
	ReservationID  *string        `gorm:"index:idx_ledger_account_reservation,priority:2"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_idem,unique,priority:2"`
	ExpiresAt      *time.Time     `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	AccountID     string    `gorm:"type:uuid;primaryKey"`
	ReservationID string    `gorm:"primaryKey"`
	AmountCredits int64     `gorm:"not null"`
	Status        string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// ChatSession is the per-(account, persona) message counter.
type ChatSession struct {
	AccountID      string    `gorm:"type:uuid;primaryKey"`
	PersonaID      string    `gorm:"primaryKey"`
	MessagesUsed   int64     `gorm:"not null;default:0"`
	QuotaExhausted bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// VideoJob mirrors the video_jobs table.
type VideoJob struct {
	JobID         string    `gorm:"type:uuid;primaryKey"`
	OwnerUserID   string    `gorm:"not null;index:idx_jobs_owner_created,priority:1"`
	ReservationID string    `gorm:"not null"`
	TemplateID    string    `gorm:""`
	Prompt        string    `gorm:""`
	Quality       string    `gorm:"not null"`
	CostCredits   int64     `gorm:"not null"`
	Status        string    `gorm:"not null"`
	Progress      int       `gorm:"not null;default:0"`
	ResultRef     string    `gorm:""`
	FailureReason string    `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_jobs_owner_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (VideoJob) TableName() string { return "video_jobs" }
